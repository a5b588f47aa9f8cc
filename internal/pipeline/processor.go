package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-push-pool/internal/platform/web"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

// DefaultSendConcurrency bounds the sends one request fans out to at once.
const DefaultSendConcurrency = 8

// target is one device of the recipient.
type target struct {
	platform dispatch.Platform
	token    []byte
	// storeKey identifies the device in the TokenStore (the endpoint for web).
	storeKey string
}

type sendResult struct {
	target target
	err    error
}

// NewProcessor creates the fan-out stage: look up the recipient's devices, send one
// message per device through the connection for its platform, remove dead devices, and
// fail the Pub/Sub message when any send should be retried.
func NewProcessor(
	connections map[dispatch.Platform]dispatch.Connection,
	tokenStore dispatch.TokenStore,
	sendConcurrency int,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[notification.NotificationRequest] {
	if sendConcurrency <= 0 {
		sendConcurrency = DefaultSendConcurrency
	}
	logger = logger.With("component", "NotificationProcessor")

	return func(ctx context.Context, original messagepipeline.Message, request *notification.NotificationRequest) error {
		procLogger := logger.With(
			"recipient_id", request.RecipientID.String(),
			"pubsub_msg_id", original.ID,
		)

		// The incoming request has the content; the store has the devices.
		devices, err := tokenStore.Fetch(ctx, request.RecipientID)
		if err != nil {
			procLogger.Error("Failed to fetch device tokens", "err", err)
			return err
		}
		if devices.Empty() {
			procLogger.Info("No devices registered for user; dropping notification.")
			return nil
		}

		targets := collectTargets(devices, procLogger)

		var (
			mu      sync.Mutex
			results = make([]sendResult, 0, len(targets))
			g       errgroup.Group
		)
		g.SetLimit(sendConcurrency)

		for _, tgt := range targets {
			conn, ok := connections[tgt.platform]
			if !ok {
				procLogger.Warn("Platform not enabled; skipping device", "platform", tgt.platform)
				continue
			}
			msg := &dispatch.Message{
				ID:      original.ID,
				Token:   tgt.token,
				Content: request.Content,
				Data:    request.DataPayload,
			}
			g.Go(func() error {
				err := conn.Send(ctx, msg)
				mu.Lock()
				results = append(results, sendResult{target: tgt, err: err})
				mu.Unlock()
				// Failures are collected, not returned, so one bad device does not stop the others.
				return nil
			})
		}
		_ = g.Wait()

		var sent, removed, retryable int
		for _, r := range results {
			switch {
			case r.err == nil:
				sent++
			case dispatch.IsPermanent(r.err):
				removed++
				procLogger.Info("Removing dead device", "platform", r.target.platform, "err", r.err)
				if err := tokenStore.Unregister(ctx, request.RecipientID, r.target.platform, r.target.storeKey); err != nil {
					procLogger.Warn("Failed to remove dead device", "platform", r.target.platform, "err", err)
				}
			default:
				retryable++
				procLogger.Warn("Send failed", "platform", r.target.platform, "err", r.err)
			}
		}

		procLogger.Info("Notification dispatched", "sent", sent, "removed", removed, "failed", retryable)
		if retryable > 0 {
			return fmt.Errorf("%d of %d sends failed and need a retry", retryable, len(results))
		}
		return nil
	}
}

func collectTargets(devices *dispatch.Devices, logger *slog.Logger) []target {
	targets := make([]target, 0, len(devices.APNSTokens)+len(devices.FCMTokens)+len(devices.WebSubscriptions))
	for _, t := range devices.APNSTokens {
		targets = append(targets, target{platform: dispatch.PlatformAPNS, token: []byte(t), storeKey: t})
	}
	for _, t := range devices.FCMTokens {
		targets = append(targets, target{platform: dispatch.PlatformFCM, token: []byte(t), storeKey: t})
	}
	for _, sub := range devices.WebSubscriptions {
		token, err := web.Token(sub)
		if err != nil {
			logger.Warn("Skipping unencodable web subscription", "endpoint", sub.Endpoint, "err", err)
			continue
		}
		targets = append(targets, target{platform: dispatch.PlatformWeb, token: token, storeKey: sub.Endpoint})
	}
	return targets
}
