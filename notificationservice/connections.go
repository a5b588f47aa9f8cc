package notificationservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-pool/internal/platform/apns"
	"github.com/tinywideclouds/go-push-pool/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-pool/internal/platform/web"
	"github.com/tinywideclouds/go-push-pool/notificationservice/config"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
	"github.com/tinywideclouds/go-push-pool/pkg/pool"
)

const probeTimeout = 5 * time.Second

// NewConnections builds one pool per enabled platform, probes each and applies the
// configured cache length. fcmFactory may be nil when FCM is disabled.
// On error every pool built so far is closed.
func NewConnections(
	ctx context.Context,
	cfg *config.Config,
	fcmFactory fcm.ClientFactory,
	logger *slog.Logger,
) (map[dispatch.Platform]dispatch.Connection, error) {
	connections := make(map[dispatch.Platform]dispatch.Connection)
	fail := func(err error) (map[dispatch.Platform]dispatch.Connection, error) {
		CloseConnections(connections, logger)
		return nil, err
	}

	if cfg.APNS.Enabled() {
		factory, err := apns.NewClientFactory(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8Key,
			Production:   cfg.APNS.Production,
		})
		if err != nil {
			return fail(err)
		}
		proto, err := apns.NewConnection(factory, cfg.APNS.BundleID, cfg.Pool.CacheLength, logger)
		if err != nil {
			return fail(err)
		}
		if err := addPool(ctx, connections, dispatch.PlatformAPNS, proto, cfg.Pool, logger); err != nil {
			return fail(err)
		}
	}

	if cfg.FCM.Enabled {
		if fcmFactory == nil {
			return fail(errors.New("fcm is enabled but no messaging client factory was supplied"))
		}
		proto, err := fcm.NewConnection(ctx, fcmFactory, cfg.Pool.CacheLength, logger)
		if err != nil {
			return fail(err)
		}
		if err := addPool(ctx, connections, dispatch.PlatformFCM, proto, cfg.Pool, logger); err != nil {
			return fail(err)
		}
	}

	if cfg.Vapid.Enabled() {
		proto := web.NewConnection(web.Config{
			PublicKey:       cfg.Vapid.PublicKey,
			PrivateKey:      cfg.Vapid.PrivateKey,
			SubscriberEmail: cfg.Vapid.SubscriberEmail,
			ProbeURL:        cfg.Vapid.ProbeURL,
		}, cfg.Pool.CacheLength, logger)
		if err := addPool(ctx, connections, dispatch.PlatformWeb, proto, cfg.Pool, logger); err != nil {
			return fail(err)
		}
	} else {
		logger.Warn("VAPID keys missing in configuration. Web Push is disabled.")
	}

	if len(connections) == 0 {
		return nil, errors.New("no push platform is configured")
	}
	return connections, nil
}

func addPool(
	ctx context.Context,
	connections map[dispatch.Platform]dispatch.Connection,
	platform dispatch.Platform,
	proto dispatch.Connection,
	poolCfg config.PoolConfig,
	logger *slog.Logger,
) error {
	p, err := pool.New(proto, poolCfg.Size, logger,
		pool.WithName(string(platform)),
		pool.WithGracePeriod(poolCfg.GracePeriod),
	)
	if err != nil {
		_ = proto.Close()
		return fmt.Errorf("failed to build %s pool: %w", platform, err)
	}
	p.SetCacheLength(poolCfg.CacheLength)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.TestConnection(probeCtx); err != nil {
		// Gateways can be briefly unreachable at boot; sends will surface real failures.
		logger.Warn("Connection probe failed", "platform", platform, "err", err)
	} else {
		logger.Info("Connection pool ready", "platform", platform, "shards", p.Size(), "cache_length", p.CacheLength())
	}

	connections[platform] = p
	return nil
}

// CloseConnections closes every connection, logging failures.
func CloseConnections(connections map[dispatch.Platform]dispatch.Connection, logger *slog.Logger) {
	for platform, conn := range connections {
		if err := conn.Close(); err != nil {
			logger.Error("Connection close failed.", "platform", platform, "err", err)
		}
	}
}
