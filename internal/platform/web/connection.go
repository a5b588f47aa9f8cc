// Package web provides a dispatch.Connection for VAPID Web Push.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-pool/internal/platform/sentcache"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

// DefaultTTL is used when a message carries no expiration.
const DefaultTTL = 60 * time.Second

// Config holds the VAPID identity of this sender.
type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	// ProbeURL is a push service origin TestConnection sends a HEAD to. Empty skips the probe.
	ProbeURL string
}

// Connection sends Web Push messages over its own HTTP client.
type Connection struct {
	cfg        Config
	transport  *http.Transport
	httpClient *http.Client
	cache      *sentcache.Cache
	closed     atomic.Bool
	logger     *slog.Logger
}

var _ dispatch.Connection = (*Connection)(nil)

func NewConnection(cfg Config, cacheLength int, logger *slog.Logger) *Connection {
	return newConnection(cfg, cacheLength, logger.With("component", "WebPushConnection"))
}

func newConnection(cfg Config, cacheLength int, logger *slog.Logger) *Connection {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Connection{
		cfg:        cfg,
		transport:  transport,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		cache:      sentcache.New(cacheLength),
		logger:     logger,
	}
}

// Token encodes a subscription as the destination identifier the pool shards on.
func Token(sub notification.WebPushSubscription) ([]byte, error) {
	return json.Marshal(sub)
}

func (c *Connection) Send(ctx context.Context, msg *dispatch.Message) error {
	var sub notification.WebPushSubscription
	if err := json.Unmarshal(msg.Token, &sub); err != nil || sub.Endpoint == "" {
		return &dispatch.TransportError{
			Platform:  dispatch.PlatformWeb,
			Reason:    "malformed subscription",
			Permanent: true,
			Err:       err,
		}
	}
	if c.closed.Load() {
		return &dispatch.TransportError{Platform: dispatch.PlatformWeb, Token: sub.Endpoint, Err: dispatch.ErrConnectionClosed}
	}

	key := msg.CacheKey()
	if c.cache.Seen(key) {
		c.logger.Debug("Skipping already delivered notification", "msg_id", msg.ID, "endpoint", sub.Endpoint)
		return nil
	}

	payloadBytes, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": msg.Content.Title,
			"body":  msg.Content.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			// []byte -> Base64 String for the library
			P256dh: base64.RawURLEncoding.EncodeToString(sub.Keys.P256dh),
			Auth:   base64.RawURLEncoding.EncodeToString(sub.Keys.Auth),
		},
	}

	opts := &webpush.Options{
		Subscriber:      c.cfg.SubscriberEmail,
		VAPIDPublicKey:  c.cfg.PublicKey,
		VAPIDPrivateKey: c.cfg.PrivateKey,
		TTL:             ttlSeconds(msg.Expiration),
		HTTPClient:      c.httpClient,
	}
	// Topic headers are limited to 32 URL-safe characters.
	if n := len(msg.CollapseID); n > 0 && n <= 32 {
		opts.Topic = msg.CollapseID
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, s, opts)
	if err != nil {
		// DNS, timeout, TLS: the subscription may be fine.
		return &dispatch.TransportError{Platform: dispatch.PlatformWeb, Token: sub.Endpoint, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.cache.Add(key)
		return nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return &dispatch.TransportError{
			Platform:   dispatch.PlatformWeb,
			Token:      sub.Endpoint,
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
			Permanent:  true,
		}
	default:
		c.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return &dispatch.TransportError{
			Platform:   dispatch.PlatformWeb,
			Token:      sub.Endpoint,
			StatusCode: resp.StatusCode,
			Reason:     http.StatusText(resp.StatusCode),
		}
	}
}

func ttlSeconds(expiration time.Time) int {
	if expiration.IsZero() {
		return int(DefaultTTL.Seconds())
	}
	return max(int(time.Until(expiration).Seconds()), 0)
}

// Copy returns a connection with the same VAPID identity and its own transport.
func (c *Connection) Copy() (dispatch.Connection, error) {
	return newConnection(c.cfg, c.cache.Capacity(), c.logger), nil
}

func (c *Connection) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.transport.CloseIdleConnections()
	}
	return nil
}

func (c *Connection) TestConnection(ctx context.Context) error {
	if c.closed.Load() {
		return &dispatch.TransportError{Platform: dispatch.PlatformWeb, Err: dispatch.ErrConnectionClosed}
	}
	if c.cfg.ProbeURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("invalid probe url: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &dispatch.TransportError{Platform: dispatch.PlatformWeb, Err: err}
	}
	return resp.Body.Close()
}

func (c *Connection) SetCacheLength(n int) {
	c.cache.SetCapacity(n)
}

func (c *Connection) CacheLength() int {
	return c.cache.Capacity()
}
