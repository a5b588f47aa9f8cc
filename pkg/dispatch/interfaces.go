// Package dispatch holds the public contracts shared by the connection pool, the
// platform connections and the hosting service.
package dispatch

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Connection is a single delivery channel to a push gateway.
//
// The pool in pkg/pool consumes this capability and also implements it, so a pool can
// stand in wherever a single Connection is expected (including as the prototype of
// another pool).
type Connection interface {
	// Send attempts exactly one delivery. Delivery failures are reported as *TransportError.
	Send(ctx context.Context, msg *Message) error

	// Copy returns a new, independent instance sharing this one's configuration.
	Copy() (Connection, error)

	// Close releases resources. Closing an already closed Connection is not an error.
	Close() error

	// TestConnection is a cheap reachability probe.
	TestConnection(ctx context.Context) error

	// SetCacheLength resizes the cache of recently sent messages.
	SetCacheLength(n int)

	// CacheLength reports the current sent-cache size.
	CacheLength() int
}

// Platform names a push gateway family.
type Platform string

const (
	PlatformAPNS Platform = "apns"
	PlatformFCM  Platform = "fcm"
	PlatformWeb  Platform = "web"
)

// Devices is the set of delivery targets registered for one recipient.
type Devices struct {
	APNSTokens       []string                           `json:"apns_tokens"`
	FCMTokens        []string                           `json:"fcm_tokens"`
	WebSubscriptions []notification.WebPushSubscription `json:"web_subscriptions"`
}

// Empty reports whether no device of any platform is registered.
func (d *Devices) Empty() bool {
	return len(d.APNSTokens) == 0 && len(d.FCMTokens) == 0 && len(d.WebSubscriptions) == 0
}

// TokenStore defines the contract for managing user device tokens.
// It allows the service to remember "where" to send notifications for a user.
type TokenStore interface {
	// Register adds or refreshes a string token (APNs or FCM) for a user.
	Register(ctx context.Context, user urn.URN, platform Platform, token string) error

	// RegisterWeb adds or refreshes a Web Push subscription for a user.
	RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error

	// Fetch returns every device registered for the user, bucketed by platform.
	Fetch(ctx context.Context, user urn.URN) (*Devices, error)

	// Unregister removes a device. For Web Push the token is the subscription endpoint.
	Unregister(ctx context.Context, user urn.URN, platform Platform, token string) error
}
