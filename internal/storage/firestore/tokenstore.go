package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

// FirestoreStore implements dispatch.TokenStore using Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
}

var _ dispatch.TokenStore = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client, logger *slog.Logger) *FirestoreStore {
	return &FirestoreStore{
		client: client,
		logger: logger.With("component", "FirestoreTokenStore"),
	}
}

// deviceRecord is the stored representation of one device.
// Token is set for apns and fcm, WebSubscription for web.
type deviceRecord struct {
	Platform        string                            `firestore:"platform"`
	Token           string                            `firestore:"token,omitempty"`
	WebSubscription *notification.WebPushSubscription `firestore:"web_subscription,omitempty"`
	UpdatedAt       time.Time                         `firestore:"updated_at"`
}

// Register stores an APNs or FCM token. Re-registering refreshes updated_at.
func (s *FirestoreStore) Register(ctx context.Context, user urn.URN, platform dispatch.Platform, token string) error {
	switch platform {
	case dispatch.PlatformAPNS, dispatch.PlatformFCM:
	default:
		return fmt.Errorf("register: unsupported platform %q for string tokens", platform)
	}
	if token == "" {
		return fmt.Errorf("register: empty %s token", platform)
	}

	// Hash of token as Doc ID prevents duplicates and hot-spotting
	record := deviceRecord{
		Platform:  string(platform),
		Token:     token,
		UpdatedAt: time.Now(),
	}
	if _, err := s.deviceRef(user, hashToken(token)).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to register %s token: %w", platform, err)
	}
	return nil
}

// RegisterWeb stores a Web Push subscription keyed by its endpoint.
func (s *FirestoreStore) RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	if sub.Endpoint == "" {
		return errors.New("register: web subscription has no endpoint")
	}
	record := deviceRecord{
		Platform:        string(dispatch.PlatformWeb),
		WebSubscription: &sub,
		UpdatedAt:       time.Now(),
	}
	if _, err := s.deviceRef(user, hashToken(sub.Endpoint)).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to register web subscription: %w", err)
	}
	return nil
}

// Unregister deletes a device. For web, token is the subscription endpoint.
// Deleting a device that does not exist is not an error.
func (s *FirestoreStore) Unregister(ctx context.Context, user urn.URN, platform dispatch.Platform, token string) error {
	if _, err := s.deviceRef(user, hashToken(token)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to unregister %s device: %w", platform, err)
	}
	return nil
}

// Fetch lists every device of the user, bucketed by platform.
func (s *FirestoreStore) Fetch(ctx context.Context, user urn.URN) (*dispatch.Devices, error) {
	iter := s.devicesCollection(user).Documents(ctx)
	defer iter.Stop()

	devices := &dispatch.Devices{
		APNSTokens:       make([]string, 0),
		FCMTokens:        make([]string, 0),
		WebSubscriptions: make([]notification.WebPushSubscription, 0),
	}

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			s.logger.Warn("Skipping unreadable device record", "user", user.String(), "doc", doc.Ref.ID, "err", err)
			continue
		}

		switch dispatch.Platform(record.Platform) {
		case dispatch.PlatformWeb:
			if record.WebSubscription != nil {
				devices.WebSubscriptions = append(devices.WebSubscriptions, *record.WebSubscription)
			}
		case dispatch.PlatformAPNS:
			if record.Token != "" {
				devices.APNSTokens = append(devices.APNSTokens, record.Token)
			}
		default:
			// records written before platforms were tracked are FCM
			if record.Token != "" {
				devices.FCMTokens = append(devices.FCMTokens, record.Token)
			}
		}
	}

	return devices, nil
}

// deviceRef: users/{userID}/devices/{deviceHash}
func (s *FirestoreStore) deviceRef(user urn.URN, docID string) *firestore.DocumentRef {
	return s.devicesCollection(user).Doc(docID)
}

func (s *FirestoreStore) devicesCollection(user urn.URN) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(user.String()).Collection("devices")
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
