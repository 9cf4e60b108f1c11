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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/chatrelay/internal/config"
	"github.com/agentworkforce/chatrelay/internal/forward"
	"github.com/agentworkforce/chatrelay/internal/httpapi"
	"github.com/agentworkforce/chatrelay/internal/ingest"
	"github.com/agentworkforce/chatrelay/internal/lock"
	"github.com/agentworkforce/chatrelay/internal/logging"
	"github.com/agentworkforce/chatrelay/internal/messaging"
	"github.com/agentworkforce/chatrelay/internal/metrics"
	"github.com/agentworkforce/chatrelay/internal/reply"
	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/supervisor"
	"github.com/agentworkforce/chatrelay/internal/suppression"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session orchestrator and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, closeLog := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer closeLog()
	slog.SetDefault(logger)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}
	logger = logger.With("instance_id", instanceID)

	delays, err := cfg.ReconnectDelayList()
	if err != nil {
		return err
	}
	reg := metrics.New()

	store, err := session.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	locks, closeLocks, err := buildLocks(ctx, cfg, store, logger, reg)
	if err != nil {
		return err
	}
	defer closeLocks()

	tracker := suppression.NewTracker(suppression.Options{
		DefaultWindow: cfg.SuppressionWindow,
		EchoGrace:     cfg.EchoGrace,
		Windows:       store,
		Logger:        logging.Component(logger, logging.CompSuppression),
		Metrics:       reg,
	})

	var replies reply.Generator
	if cfg.ReplyBaseURL != "" {
		replies = reply.NewHTTPClient(reply.HTTPClientOptions{
			BaseURL:   cfg.ReplyBaseURL,
			Path:      cfg.ReplyPath,
			Token:     cfg.ReplyToken,
			UserAgent: "chatrelay/" + instanceID,
		})
	} else {
		logger.Warn("no reply service configured, customer messages will be stored without answers")
	}

	forwarder := forward.New(forward.Options{
		WebhookURL:   cfg.ForwardWebhookURL,
		WebhookToken: cfg.ForwardWebhookToken,
		KafkaBrokers: cfg.KafkaBrokerList(),
		KafkaTopic:   cfg.KafkaTopic,
	})
	if forwarder != nil {
		defer forwarder.Close()
	}

	pipeline, err := ingest.NewPipeline(ingest.Options{
		Messages:      store,
		Staff:         store,
		Conversations: store,
		Suppression:   tracker,
		Replies:       replies,
		Forwarder:     forwarder,
		Logger:        logging.Component(logger, logging.CompIngest),
		Metrics:       reg,
		ReplyTimeout:  cfg.ReplyTimeout,
		ReplyRate:     rate.Limit(cfg.ReplyRatePerSec),
		ReplyBurst:    cfg.ReplyBurst,
	})
	if err != nil {
		return err
	}
	defer pipeline.Wait()

	manager, err := supervisor.NewManager(supervisor.Options{
		Store:             store,
		Locks:             locks,
		Connector:         messaging.NewWebsocketConnector(messaging.WebsocketConnectorOptions{URL: cfg.GatewayURL}),
		Handler:           pipeline,
		Suppression:       tracker,
		Logger:            logging.Component(logger, logging.CompSupervisor),
		Metrics:           reg,
		LockTTL:           cfg.LockTTL,
		RenewInterval:     cfg.RenewInterval(),
		LockRetryDelay:    cfg.LockRetryDelay,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReconnectDelays:   delays,
		StartConcurrency:  cfg.StartConcurrency,
		ReconcileSchedule: cfg.ReconcileSchedule,
	})
	if err != nil {
		return err
	}

	api := httpapi.NewServerWithConfig(manager, httpapi.ServerConfig{
		JWTSecret:       cfg.AdminJWTSecret,
		InstanceID:      instanceID,
		RateLimitMax:    cfg.AdminRateLimitMax,
		RateLimitWindow: cfg.AdminRateLimitWindow,
		Metrics:         reg.Handler(),
		Logger:          logging.Component(logger, logging.CompHTTP),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.Run(gctx)
	})
	group.Go(func() error {
		logger.Info("admin api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if fileStore, ok := store.(*session.FileStore); ok {
		group.Go(func() error {
			return session.Watch(gctx, fileStore, logging.Component(logger, logging.CompStore), func() {
				manager.Reconcile(gctx)
			})
		})
	}

	err = group.Wait()
	logger.Info("chatrelay stopped", "error", err)
	return err
}

const redisPingTimeout = 5 * time.Second

// buildLocks wires the cache and database tiers that are configured. A
// Postgres session store lends its pool to the database tier unless
// LOCK_DSN points elsewhere. With neither tier, ownership is only exclusive
// within this process.
func buildLocks(ctx context.Context, cfg *config.Config, store session.Store, logger *slog.Logger, reg *metrics.Metrics) (*lock.Manager, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	opts := lock.Options{
		Logger:  logging.Component(logger, logging.CompLock),
		Metrics: reg,
	}
	if cfg.RedisURL != "" {
		cache, err := lock.NewRedisTierFromURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis lock tier: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err = cache.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = cache.Close()
			return nil, nil, fmt.Errorf("redis lock tier: %w", err)
		}
		opts.Cache = cache
		closers = append(closers, cache.Close)
	}
	pgStore, sharedPool := store.(*session.PostgresStore)
	switch {
	case sharedPool && cfg.LockDSN == "":
		db, err := pgStore.DB()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("postgres lock tier: %w", err)
		}
		opts.Database = lock.NewPostgresTierWithDB(db)
	case cfg.LockDatabaseDSN() != "":
		db, err := lock.NewPostgresTier(cfg.LockDatabaseDSN())
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("postgres lock tier: %w", err)
		}
		opts.Database = db
		closers = append(closers, db.Close)
	}
	if opts.Cache == nil && opts.Database == nil {
		logger.Warn("no shared lock tier configured, ownership is only exclusive within this process")
	}
	return lock.NewManager(opts), closeAll, nil
}
