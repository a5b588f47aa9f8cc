package notificationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-pool/internal/api"
	"github.com/tinywideclouds/go-push-pool/internal/pipeline"
	"github.com/tinywideclouds/go-push-pool/notificationservice/config"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[notification.NotificationRequest]
	connections     map[dispatch.Platform]dispatch.Connection
	logger          *slog.Logger
}

// New assembles the service. It takes ownership of connections and closes them on Shutdown.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	connections map[dispatch.Platform]dispatch.Connection,
	tokenStore dispatch.TokenStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(connections, tokenStore, cfg.Pool.SendConcurrency, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.NotificationRequestTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. Routes
	mux := baseServer.Mux()
	mux.Handle("GET /metrics", promhttp.Handler())

	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	api.NewTokenAPI(tokenStore, logger).Register(mux, corsMiddleware, authMiddleware)

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		connections:     connections,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.", "platforms", len(w.connections))
	return w.BaseServer.Start()
}

// Shutdown stops intake first so no new sends reach the connections, then closes the
// connections, then the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)

	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	CloseConnections(w.connections, w.logger)
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
