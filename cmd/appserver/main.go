// Package main is the entry point for the appserver: the scheduled-message
// delivery service for mobile research studies.
//
// Startup wires the full pipeline: configuration, the PostgreSQL pool and
// schema bootstrap, the FCM and email transmitters behind the delivery
// fan-out, the job executor, the timer store dispatch loop, the state event
// bus with its audit listener, and the HTTP API. Graceful shutdown is
// handled via OS signal interception (SIGINT, SIGTERM): the HTTP server
// drains first, then the dispatch loop and the event bus stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/go-chi/chi/v5"

	"appserver/internal/api/handlers"
	"appserver/internal/config"
	"appserver/internal/core"
	"appserver/internal/db"
	"appserver/internal/events"
	notifcore "appserver/internal/notifications/core"
	"appserver/internal/notifications/email"
	"appserver/internal/notifications/fcm"
	"appserver/internal/scheduler"
	"appserver/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("appserver starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	pool, err := db.Connect(ctx, cfg.Database.URL.Unmask(), db.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("bootstrapping schema: %w", err)
	}

	messageRepo := db.NewMessageRepository(pool)
	userRepo := db.NewUserRepository(pool)
	eventRepo := db.NewStateEventRepository(pool)

	// Delivery metrics.
	var metrics notifcore.DeliveryMetrics = notifcore.NopMetrics{}
	if cfg.Metrics.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Metrics.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config for metrics: %w", err)
		}
		metrics = notifcore.NewCloudWatchDeliveryMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	}

	// Transmitters.
	fcmTransmitter := fcm.NewTransmitter(fcm.TransmitterConfig{
		Client: fcm.NewClient(fcm.ClientConfig{
			ProjectID: cfg.FCM.ProjectID,
			Tokens:    fcm.StaticTokenProvider(cfg.FCM.AccessToken.Unmask()),
			Endpoint:  cfg.FCM.Endpoint,
			Logger:    logger,
		}),
		Users:  userRepo,
		Logger: logger,
	})

	notificationTransmitters := []notifcore.NotificationTransmitter{fcmTransmitter}
	if cfg.Email.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config for email: %w", err)
		}
		emailTransmitter := email.NewTransmitter(email.TransmitterConfig{
			API:           sesv2.NewFromConfig(awsCfg),
			Users:         userRepo,
			From:          cfg.Email.From,
			ConfigSetName: cfg.Email.ConfigSetName,
			Logger:        logger,
		})
		notificationTransmitters = append(notificationTransmitters, emailTransmitter)
	}

	fanout := notifcore.NewFanout(notifcore.FanoutConfig{
		NotificationTransmitters: notificationTransmitters,
		DataMessageTransmitters:  []notifcore.DataMessageTransmitter{fcmTransmitter},
		Metrics:                  metrics,
		Logger:                   logger,
	})

	// State event bus with the persisting audit listener.
	bus := events.NewBus(events.BusConfig{Logger: logger})
	bus.Subscribe(events.NewAuditListener(eventRepo, logger))

	// Executor and timer store. The executor's job canceller is the store
	// itself; the store fires the executor. Break the cycle by constructing
	// the store first with the executor injected via a late-bound handler.
	var executor *scheduler.Executor
	store := scheduler.NewPostgresTimerStore(scheduler.PostgresTimerStoreConfig{
		Pool: pool,
		Handler: scheduler.JobHandlerFunc(func(ctx context.Context, job *types.ScheduledJob) error {
			return executor.Execute(ctx, job)
		}),
		Logger:        logger,
		PollInterval:  cfg.Scheduler.PollInterval,
		ClaimLimit:    cfg.Scheduler.ClaimLimit,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		ClaimLease:    cfg.Scheduler.ClaimLease,
	})
	executor = scheduler.NewExecutor(scheduler.ExecutorConfig{
		Messages: messageRepo,
		Users:    userRepo,
		Fanout:   fanout,
		Jobs:     store,
		Bus:      bus,
		Logger:   logger,
	})

	facadeCfg := scheduler.FacadeConfig{
		Store:  store,
		Fanout: fanout,
		Bus:    bus,
		Logger: logger,
	}
	notificationScheduler := scheduler.NewNotificationScheduler(facadeCfg)
	dataMessageScheduler := scheduler.NewDataMessageScheduler(facadeCfg)

	// HTTP API.
	srv, err := core.NewServer(cfg, logger, pool)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	messageHandler := handlers.NewMessageHandler(handlers.MessageHandlerConfig{
		Notifications: notificationScheduler,
		DataMessages:  dataMessageScheduler,
		Store:         messageRepo,
		Logger:        logger,
	})
	userHandler := handlers.NewUserHandler(userRepo, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { messageHandler.RegisterRoutes(r) },
		func(r chi.Router) { userHandler.RegisterRoutes(r) },
	)
	srv.MountRoutes()

	// Background loops.
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		bus.Run(ctx)
	}()

	storeDone := make(chan error, 1)
	go func() {
		storeDone <- store.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for a shutdown signal or a server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			stop()
			return fmt.Errorf("server error: %w", err)
		}
	}
	stop()

	// Drain HTTP first so no new scheduling requests arrive, then wait for
	// the dispatch loop and the bus to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case err := <-storeDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch loop stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("dispatch loop did not stop before the shutdown deadline")
	}

	select {
	case <-busDone:
	case <-shutdownCtx.Done():
		logger.Warn("event bus did not drain before the shutdown deadline")
	}

	logger.Info("appserver stopped cleanly")
	return nil
}
