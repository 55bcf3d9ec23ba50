// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	"github.com/gatekeep/gatekeep/internal/config"
	"github.com/gatekeep/gatekeep/internal/httpapi"
	"github.com/gatekeep/gatekeep/internal/logging"
	"github.com/gatekeep/gatekeep/internal/notify"
	"github.com/gatekeep/gatekeep/internal/observability"
	"github.com/gatekeep/gatekeep/internal/store"
)

const serviceName = "gatekeep"

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication HTTP API",
		Long: `Start the HTTP API together with the password reset notification
workers and, when configured, the metrics and health server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(loadOptions(cmd))
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	defaults := config.Defaults()
	cmd.Flags().String("addr", defaults["server.addr"].(string), "HTTP API listen address")
	cmd.Flags().String("metrics-addr", defaults["metrics.addr"].(string), "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", defaults["log.format"].(string), "log format (json or text)")
	cmd.Flags().String("log-level", defaults["log.level"].(string), "log level (debug, info, warn, error)")
	cmd.Flags().String("store", defaults["store"].(string), "user store (postgres or memory)")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	cmd.Flags().Bool("auto-migrate", false, "apply pending migrations on startup")

	return cmd
}

// runServeWithDeps starts the service with injectable dependencies and
// blocks until ctx is cancelled, a signal arrives or a server fails.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.SetDefault(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  deps.LogWriter,
	})

	logger.Info("starting gatekeep",
		"addr", cfg.Server.Addr,
		"store", cfg.Store,
		"notify_queue", cfg.Notify.Queue,
		"notify_sender", cfg.Notify.Sender,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	users, closeStore, err := openUserRepository(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens, err := auth.NewTokenService(cfg.AuthTokenConfig())
	if err != nil {
		return oops.Code("SERVE_INIT_FAILED").With("component", "tokens").Wrap(err)
	}

	var ready atomic.Bool
	var obsServer ObservabilityServer
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load)
		metrics = obsServer.Metrics()
	}

	queue, closeRedis, err := openQueue(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer closeRedis()

	sender, err := newSender(cfg, logger)
	if err != nil {
		_ = queue.Close() //nolint:errcheck // init error takes precedence
		return err
	}

	dispatcher, err := notify.NewDispatcher(queue, sender,
		notify.WithWorkers(cfg.Notify.Workers),
		notify.WithLogger(logger),
		notify.WithMetrics(metrics),
	)
	if err != nil {
		_ = queue.Close() //nolint:errcheck // init error takes precedence
		return oops.Code("SERVE_INIT_FAILED").With("component", "dispatcher").Wrap(err)
	}
	if err := dispatcher.Start(); err != nil {
		return oops.Code("SERVE_INIT_FAILED").With("component", "dispatcher").Wrap(err)
	}

	svc, err := auth.NewServiceWithLogger(users, auth.NewArgon2idHasher(), tokens, dispatcher, logger)
	if err != nil {
		closeDispatcher(dispatcher, cfg.Server.ShutdownTimeout, logger)
		return oops.Code("SERVE_INIT_FAILED").With("component", "auth").Wrap(err)
	}

	handler, err := httpapi.NewHandler(svc, nil, logger)
	if err != nil {
		closeDispatcher(dispatcher, cfg.Server.ShutdownTimeout, logger)
		return oops.Code("SERVE_INIT_FAILED").With("component", "http").Wrap(err)
	}
	router := httpapi.NewRouter(httpapi.RouterOptions{
		Handler:     handler,
		Logger:      logger,
		Metrics:     metrics,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	apiServer := httpapi.NewServer(cfg.Server.Addr, router, cfg.Server.ReadHeaderTimeout, logger)
	apiErrCh, err := apiServer.Start()
	if err != nil {
		closeDispatcher(dispatcher, cfg.Server.ShutdownTimeout, logger)
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrCh, "http")

	if obsServer != nil {
		obsErrCh, err := obsServer.Start()
		if err != nil {
			shutdown(apiServer, nil, dispatcher, cfg.Server.ShutdownTimeout, logger)
			return oops.Code("SERVE_INIT_FAILED").With("component", "observability").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Gatekeep listening on " + apiServer.Addr())
	logger.Info("gatekeep ready", "addr", apiServer.Addr())

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	shutdown(apiServer, obsServer, dispatcher, cfg.Server.ShutdownTimeout, logger)
	logger.Info("shutdown complete")
	return nil
}

// openUserRepository returns the configured user store and a func that
// releases it.
func openUserRepository(ctx context.Context, cfg config.Config, deps *ServeDeps, logger *slog.Logger) (auth.UserRepository, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory user store, users are lost on restart")
		return memory.NewUserRepository(), func() {}, nil
	}

	if cfg.Database.AutoMigrate {
		if err := autoMigrate(cfg.Database.URL, deps, logger); err != nil {
			return nil, nil, err
		}
	}

	pool, err := deps.PoolConnector(ctx, cfg.Database.URL, store.ConnectOptions{
		MaxRetries: cfg.Database.ConnectRetries,
		BaseDelay:  cfg.Database.ConnectBackoff,
		MaxDelay:   store.DefaultConnectOptions.MaxDelay,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewUserRepository(pool), pool.Close, nil
}

func autoMigrate(url string, deps *ServeDeps, logger *slog.Logger) error {
	migrator, err := deps.MigratorFactory(url)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Warn("failed to close migrator", "error", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return err
	}
	version, _, err := migrator.Version()
	if err != nil {
		return err
	}
	logger.Info("database schema up to date", "version", version)
	return nil
}

// openQueue returns the notification queue and a func that releases any
// connection it holds.
func openQueue(ctx context.Context, cfg config.Config, deps *ServeDeps) (notify.Queue, func(), error) {
	if cfg.Notify.Queue != config.QueueRedis {
		return notify.NewChannelQueue(cfg.Notify.QueueSize), func() {}, nil
	}

	client, err := deps.RedisConnector(ctx, cfg.Notify.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if closeErr := client.Close(); closeErr != nil {
			slog.Warn("failed to close redis client", "error", closeErr)
		}
	}
	return notify.NewRedisQueue(client, cfg.Notify.RedisKey), release, nil
}

// connectRedis parses url, opens a client and pings it.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_URL_INVALID").Wrap(err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return client, nil
}

func newSender(cfg config.Config, logger *slog.Logger) (notify.Sender, error) {
	if cfg.Notify.Sender != config.SenderSMTP {
		return notify.NewLogSender(logger, cfg.Notify.AppHost, cfg.Notify.ResetPath), nil
	}

	smtp := cfg.Notify.SMTP
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Host:        smtp.Host,
		Port:        smtp.Port,
		Username:    smtp.Username,
		Password:    smtp.Password,
		From:        smtp.From,
		StartTLS:    smtp.StartTLS,
		ImplicitTLS: smtp.ImplicitTLS,
		Timeout:     smtp.Timeout,
		AppHost:     cfg.Notify.AppHost,
		ResetPath:   cfg.Notify.ResetPath,
	})
	if err != nil {
		return nil, oops.Code("SERVE_INIT_FAILED").With("component", "smtp").Wrap(err)
	}
	return sender, nil
}

// shutdown stops accepting requests, drains pending notifications, then
// stops the observability server.
func shutdown(api *httpapi.Server, obs ObservabilityServer, dispatcher *notify.Dispatcher, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := api.Stop(ctx); err != nil {
		logger.Warn("error stopping http server", "error", err)
	}
	if err := dispatcher.Close(ctx); err != nil {
		logger.Warn("error draining notifications", "error", err)
	}
	if obs != nil {
		if err := obs.Stop(ctx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
}

func closeDispatcher(dispatcher *notify.Dispatcher, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := dispatcher.Close(ctx); err != nil {
		logger.Warn("error draining notifications", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when an error is received, the channel is closed, or ctx is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
