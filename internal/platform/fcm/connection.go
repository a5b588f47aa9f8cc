// Package fcm provides a dispatch.Connection for Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-push-pool/internal/platform/sentcache"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

// ProbeTopic is the topic TestConnection validates a dry-run message against.
const ProbeTopic = "connection-probe"

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
}

// ClientFactory creates a messaging client. (*firebase.App).Messaging has this shape.
type ClientFactory func(ctx context.Context) (MessagingClient, error)

// Connection sends notifications through one FCM client.
type Connection struct {
	factory ClientFactory
	client  MessagingClient
	cache   *sentcache.Cache
	closed  atomic.Bool
	logger  *slog.Logger
}

var _ dispatch.Connection = (*Connection)(nil)

// NewConnection creates the first client from factory.
func NewConnection(ctx context.Context, factory ClientFactory, cacheLength int, logger *slog.Logger) (*Connection, error) {
	client, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM client: %w", err)
	}
	return &Connection{
		factory: factory,
		client:  client,
		cache:   sentcache.New(cacheLength),
		logger:  logger.With("component", "FCMConnection"),
	}, nil
}

func buildMessage(msg *dispatch.Message) *messaging.Message {
	m := &messaging.Message{
		Token: string(msg.Token),
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Content.Title,
			Body:  msg.Content.Body,
		},
		Android: &messaging.AndroidConfig{
			CollapseKey: msg.CollapseID,
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Content.Title,
				Body:  msg.Content.Body,
				Icon:  "/assets/icons/icon-192x192.png",
			},
		},
	}
	if msg.Content.Sound != "" {
		m.Android.Notification = &messaging.AndroidNotification{Sound: msg.Content.Sound}
	}
	if !msg.Expiration.IsZero() {
		ttl := max(time.Until(msg.Expiration), 0)
		m.Android.TTL = &ttl
	}
	return m
}

func (c *Connection) Send(ctx context.Context, msg *dispatch.Message) error {
	deviceToken := string(msg.Token)
	if c.closed.Load() {
		return &dispatch.TransportError{Platform: dispatch.PlatformFCM, Token: deviceToken, Err: dispatch.ErrConnectionClosed}
	}

	key := msg.CacheKey()
	if c.cache.Seen(key) {
		c.logger.Debug("Skipping already delivered notification", "msg_id", msg.ID, "token", deviceToken)
		return nil
	}

	if _, err := c.client.Send(ctx, buildMessage(msg)); err != nil {
		return classify(deviceToken, err)
	}

	c.cache.Add(key)
	return nil
}

// classify maps an SDK error onto a TransportError. A dead token and a message FCM
// refuses to accept for that token are both permanent.
func classify(deviceToken string, err error) *dispatch.TransportError {
	te := &dispatch.TransportError{Platform: dispatch.PlatformFCM, Token: deviceToken, Err: err}
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err):
		te.Reason = "registration-token-not-registered"
		te.Permanent = true
	case messaging.IsInvalidArgument(err):
		te.Reason = "invalid-argument"
		te.Permanent = true
	}
	return te
}

// Copy creates a new client from the same factory.
func (c *Connection) Copy() (dispatch.Connection, error) {
	client, err := c.factory(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM client: %w", err)
	}
	return &Connection{
		factory: c.factory,
		client:  client,
		cache:   sentcache.New(c.cache.Capacity()),
		logger:  c.logger,
	}, nil
}

// Close marks the connection closed. The SDK client holds nothing that needs releasing.
func (c *Connection) Close() error {
	c.closed.Store(true)
	return nil
}

// TestConnection validates a message to ProbeTopic without delivering it.
func (c *Connection) TestConnection(ctx context.Context) error {
	if c.closed.Load() {
		return &dispatch.TransportError{Platform: dispatch.PlatformFCM, Err: dispatch.ErrConnectionClosed}
	}
	_, err := c.client.SendDryRun(ctx, &messaging.Message{
		Topic: ProbeTopic,
		Data:  map[string]string{"probe": "1"},
	})
	if err != nil {
		return &dispatch.TransportError{Platform: dispatch.PlatformFCM, Err: err}
	}
	return nil
}

func (c *Connection) SetCacheLength(n int) {
	c.cache.SetCapacity(n)
}

func (c *Connection) CacheLength() int {
	return c.cache.Capacity()
}
