// Package apns provides a dispatch.Connection for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-pool/internal/platform/sentcache"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

// APNSClient is the part of the gateway client a Connection drives.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error)
	Ping(ctx context.Context) error
	Close()
}

// ClientFactory opens a new gateway client with its own HTTP/2 connection.
type ClientFactory func() (APNSClient, error)

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Production selects api.push.apple.com instead of the sandbox gateway.
	Production bool
}

// NewClientFactory parses the P8 key once, so bad credentials fail at startup, and returns
// a factory whose clients all sign with it.
func NewClientFactory(cfg Config) (ClientFactory, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	// token.Token caches and refreshes its bearer under its own lock.
	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	return func() (APNSClient, error) {
		client := apns2.NewTokenClient(tokenSource)
		if cfg.Production {
			client = client.Production()
		} else {
			client = client.Development()
		}
		return &gatewayClient{c: client}, nil
	}, nil
}

type gatewayClient struct {
	c *apns2.Client
}

func (g *gatewayClient) Push(ctx context.Context, n *apns2.Notification) (*apns2.Response, error) {
	return g.c.PushWithContext(ctx, n)
}

// Ping opens (or reuses) the HTTP/2 connection to the gateway. Any HTTP answer counts.
func (g *gatewayClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.c.Host, nil)
	if err != nil {
		return err
	}
	res, err := g.c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	return res.Body.Close()
}

func (g *gatewayClient) Close() {
	g.c.CloseIdleConnections()
}

// Connection sends notifications over a single APNs client.
type Connection struct {
	factory ClientFactory
	client  APNSClient
	topic   string // The App Bundle ID (e.g. com.tinywide.messenger)
	cache   *sentcache.Cache
	closed  atomic.Bool
	logger  *slog.Logger
}

var _ dispatch.Connection = (*Connection)(nil)

// NewConnection opens one client from factory.
func NewConnection(factory ClientFactory, topic string, cacheLength int, logger *slog.Logger) (*Connection, error) {
	client, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create APNs client: %w", err)
	}
	return &Connection{
		factory: factory,
		client:  client,
		topic:   topic,
		cache:   sentcache.New(cacheLength),
		logger:  logger.With("component", "APNSConnection"),
	}, nil
}

// Send pushes msg to msg.Token.
// APNs HTTP/2 API is unary (one request per token); there is no multicast endpoint.
func (c *Connection) Send(ctx context.Context, msg *dispatch.Message) error {
	deviceToken := string(msg.Token)
	if c.closed.Load() {
		return &dispatch.TransportError{Platform: dispatch.PlatformAPNS, Token: deviceToken, Err: dispatch.ErrConnectionClosed}
	}

	key := msg.CacheKey()
	if c.cache.Seen(key) {
		c.logger.Debug("Skipping already delivered notification", "msg_id", msg.ID, "token", deviceToken)
		return nil
	}

	builder := payload.NewPayload().
		AlertTitle(msg.Content.Title).
		AlertBody(msg.Content.Body)
	if msg.Content.Sound != "" {
		builder.Sound(msg.Content.Sound)
	}
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       c.topic,
		Payload:     builder,
		CollapseID:  msg.CollapseID,
		Expiration:  msg.Expiration,
	}

	res, err := c.client.Push(ctx, n)
	if err != nil {
		return &dispatch.TransportError{Platform: dispatch.PlatformAPNS, Token: deviceToken, Err: err}
	}

	if !res.Sent() {
		// See: https://developer.apple.com/documentation/usernotifications/handling-notification-responses-from-apns
		permanent := false
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			permanent = true
		default:
			// TopicDisallowed, PayloadEmpty etc. mean our configuration is wrong, not the token.
			c.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
		return &dispatch.TransportError{
			Platform:   dispatch.PlatformAPNS,
			Token:      deviceToken,
			StatusCode: res.StatusCode,
			Reason:     res.Reason,
			Permanent:  permanent,
		}
	}

	c.cache.Add(key)
	return nil
}

// Copy opens a new client from the same factory. The sent cache size carries over, its
// contents do not.
func (c *Connection) Copy() (dispatch.Connection, error) {
	client, err := c.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create APNs client: %w", err)
	}
	return &Connection{
		factory: c.factory,
		client:  client,
		topic:   c.topic,
		cache:   sentcache.New(c.cache.Capacity()),
		logger:  c.logger,
	}, nil
}

func (c *Connection) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.client.Close()
	}
	return nil
}

func (c *Connection) TestConnection(ctx context.Context) error {
	if c.closed.Load() {
		return &dispatch.TransportError{Platform: dispatch.PlatformAPNS, Err: dispatch.ErrConnectionClosed}
	}
	if err := c.client.Ping(ctx); err != nil {
		return &dispatch.TransportError{Platform: dispatch.PlatformAPNS, Err: err}
	}
	return nil
}

func (c *Connection) SetCacheLength(n int) {
	c.cache.SetCapacity(n)
}

func (c *Connection) CacheLength() int {
	return c.cache.Capacity()
}
