package dispatch

import (
	"time"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Message is one notification addressed to one device.
type Message struct {
	// ID identifies the logical notification. Connections use it together with Token to
	// drop re-sends of something they already delivered. Empty disables that check.
	ID string

	// Token is the destination identifier. The pool shards on its bytes.
	// For Web Push it is the JSON-encoded notification.WebPushSubscription.
	Token []byte

	Content notification.NotificationContent
	Data    map[string]string

	// CollapseID lets the gateway coalesce pending notifications with the same id.
	CollapseID string

	// Expiration is when the gateway may stop trying to deliver. Zero means gateway default.
	Expiration time.Time
}

// CacheKey is the key used by sent caches.
func (m *Message) CacheKey() string {
	if m.ID == "" {
		return ""
	}
	return m.ID + "/" + string(m.Token)
}
