package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unitrack/unitrack/internal/audit"
	"github.com/unitrack/unitrack/internal/config"
	"github.com/unitrack/unitrack/internal/dispatch"
	"github.com/unitrack/unitrack/internal/httpapi"
	"github.com/unitrack/unitrack/internal/idempotency"
	"github.com/unitrack/unitrack/internal/observe"
	"github.com/unitrack/unitrack/internal/querytpl"
	"github.com/unitrack/unitrack/internal/ratelimit"
	"github.com/unitrack/unitrack/internal/registry"
	"github.com/unitrack/unitrack/internal/storage"
	"github.com/unitrack/unitrack/internal/webhook"

	// Adapters register themselves with the global registry.
	_ "github.com/unitrack/unitrack/internal/adapter/asana"
	_ "github.com/unitrack/unitrack/internal/adapter/clickup"
	_ "github.com/unitrack/unitrack/internal/adapter/github"
	_ "github.com/unitrack/unitrack/internal/adapter/jira"
	_ "github.com/unitrack/unitrack/internal/adapter/linear"
)

const shutdownGrace = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tool and query HTTP servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logLevel, err := observe.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if configPath != "" {
		// Only touched by the watcher callback, which viper serializes.
		current := cfg.Log.Level
		err := config.Watch(configPath, func(next *config.Config) {
			if next.Log.Level == current {
				return
			}
			if err := observe.SetLevel(logLevel, next.Log.Level); err != nil {
				logger.Warn("config reload: bad log level", zap.Error(err))
				return
			}
			logger.Info("log level changed",
				zap.String("from", current), zap.String("to", next.Log.Level))
			current = next.Log.Level
		}, func(err error) {
			logger.Warn("config reload rejected", zap.Error(err))
		})
		if err != nil {
			return fmt.Errorf("config watch: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitTelemetry(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer store.Close()

	cipher, err := registry.NewCipher(cfg.Crypto.MasterKey)
	if err != nil {
		return err
	}
	reg := registry.New(store, cipher)

	var limiter ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, cfg.RateLimit.Window, cfg.RateLimit.Ceiling)
		logger.Info("rate limiter using redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.Window, cfg.RateLimit.Ceiling)
		logger.Info("rate limiter using in-process windows")
	}

	idem := idempotency.New(store, cfg.Idempotency.TTL)
	sweeper := idempotency.NewSweeper(idem, cfg.Idempotency.SweepSchedule, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observe.NewMetrics(promReg)

	dispatcher := dispatch.New(dispatch.Options{
		Store:    store,
		Registry: reg,
		Limiter:  limiter,
		Idem:     idem,
		Auditor:  audit.NewWriter(),
		Metrics:  metrics,
		Logger:   logger,
	})

	receiver := webhook.NewReceiver(store, reg, logger, metrics)
	webhook.NewSyncer(store, reg, nil).RegisterAll(receiver)

	api := httpapi.New(httpapi.Options{
		Config:     cfg.Server,
		Dispatcher: dispatcher,
		Engine:     querytpl.NewEngine(store),
		Receiver:   receiver,
		Metrics:    metrics,
		Gatherer:   promReg,
		Logger:     logger,
		Version:    Version,
	})

	toolsSrv := newHTTPServer(cfg.Server, cfg.Server.ToolsAddr, api.ToolsHandler())
	querySrv := newHTTPServer(cfg.Server, cfg.Server.QueryAddr, api.QueryHandler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tools server listening", zap.String("addr", cfg.Server.ToolsAddr))
		if err := toolsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("tools server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("query server listening", zap.String("addr", cfg.Server.QueryAddr))
		if err := querySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("query server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := toolsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tools server shutdown", zap.Error(err))
		}
		if err := querySrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("query server shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func newHTTPServer(cfg config.ServerConfig, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		// SSE streams outlive the write timeout; rely on client disconnect
		// and shutdown instead.
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
