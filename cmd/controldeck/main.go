// Command controldeck serves the deck protocol to mobile clients.
//
// Usage:
//
//	controldeck -config controldeck.yaml
//	controldeck -addr :4455 -db controldeck.db
//	CONTROLDECK_HANDSHAKE_SECRET=s3cret controldeck
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/controldeck/auth"
	"github.com/hazyhaar/controldeck/config"
	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/dispatch"
	"github.com/hazyhaar/controldeck/executor"
	"github.com/hazyhaar/controldeck/observability"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/protocol"
	"github.com/hazyhaar/controldeck/server"
	"github.com/hazyhaar/controldeck/shield"
	"github.com/hazyhaar/controldeck/watch"
)

func main() {
	configPath := flag.String("config", "", "path to controldeck.yaml")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := observability.NewLogger(os.Stderr, level, "controldeck")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("controldeck: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.Storage.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	for _, initFn := range []func(*sql.DB) error{observability.Init, shield.Init, executor.Init} {
		if err := initFn(db); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	// Storage.
	var store profiles.Store
	switch cfg.Storage.ProfilesBackend {
	case "dir":
		store, err = profiles.NewDirStore(cfg.Storage.ProfilesDir, logger)
	default:
		store, err = profiles.NewSQLiteStore(db, logger)
	}
	if err != nil {
		return fmt.Errorf("profile store: %w", err)
	}
	syncer := profiles.NewSynchronizer(store, profiles.WithLogger(logger))
	if err := syncer.Seed(ctx); err != nil {
		return fmt.Errorf("seed default profiles: %w", err)
	}

	// Observability.
	metrics := observability.NewMetricsManager(db, 500, cfg.Storage.MetricsInterval, logger)
	defer metrics.Close()
	perf := observability.NewPerformance(metrics)
	audit := observability.NewAuditLogger(db, 1000, observability.WithAuditLogger(logger))
	defer audit.Close()

	// Execution.
	exec := executor.New(
		executor.WithLogger(logger),
		executor.WithObserver(perf),
		executor.WithStateDB(db),
	)
	executor.RegisterDefaults(exec, logger)
	if err := exec.Reload(ctx); err != nil {
		return fmt.Errorf("plugin states: %w", err)
	}
	queue := dispatch.New(
		dispatch.WithMaxConcurrent(cfg.Dispatch.MaxConcurrent),
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithLogger(logger),
	)

	limiter := shield.NewLimiter(shield.WithLimiterLogger(logger))
	for scope, r := range cfg.Limits.Rules {
		limiter.Configure(scope, r.Rule())
	}
	if err := limiter.LoadRules(ctx, db); err != nil {
		return err
	}

	// Auth.
	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("jwt secret: %w", err)
		}
		logger.Warn("controldeck: no jwt secret configured, tokens will not survive a restart")
	}
	tokens, err := auth.NewTokenManager(db, secret,
		auth.WithTTL(cfg.Auth.TokenTTL),
		auth.WithStaticToken(cfg.Auth.StaticToken),
		auth.WithAuthRequired(cfg.Auth.Required),
		auth.WithTokenLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	handshake, err := auth.NewHandshake(cfg.Auth.HandshakeSecret, tokens)
	if err != nil {
		return err
	}
	pairing := auth.NewPairing(
		auth.WithPairingTTL(cfg.Auth.PairingTTL),
		auth.WithPairingLogger(logger),
	)

	// Protocol.
	engine := protocol.NewEngine(syncer, queue, exec, limiter,
		protocol.WithLogger(logger),
		protocol.WithValidator(profiles.Validate),
		protocol.WithRecorder(audit),
		protocol.WithMessageObserver(perf),
		protocol.WithConnectionLimit(cfg.Limits.ConnectionMax, cfg.Limits.ConnectionWindow),
		protocol.WithActionTimeout(cfg.Dispatch.Timeout),
	)
	sessions := protocol.NewRegistry(protocol.WithRegistryLogger(logger))

	srv, err := server.New(server.Config{
		ServerID:     cfg.Server.ServerID,
		ServerName:   cfg.Server.ServerName,
		Port:         portOf(cfg.Server.Addr),
		TLS:          cfg.Server.TLS,
		WSPath:       cfg.Server.WSPath,
		ReadLimit:    cfg.Server.ReadLimit,
		AllowOrigins: cfg.Server.AllowOrigins,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, server.Deps{
		Engine:    engine,
		Sessions:  sessions,
		Profiles:  syncer,
		Validator: profiles.Validate,
		Queue:     queue,
		Plugins:   exec,
		Limiter:   limiter,
		Tokens:    tokens,
		Pairing:   pairing,
		Handshake: handshake,
		Audit:     audit,
		Perf:      perf,
	}, server.WithLogger(logger))
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("controldeck: listening", "addr", cfg.Server.Addr, "ws_path", cfg.Server.WSPath,
			"profiles", cfg.Storage.ProfilesBackend, "handshake", handshake.Enabled())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("controldeck: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownWait)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("controldeck: shutdown", "error", err)
		}
		srv.Close()
		return queue.Close(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(syncer.Watch(gctx))
	})
	g.Go(func() error {
		w := watch.New(db, watch.Options{
			Interval: 2 * time.Second,
			Detector: watch.MaxColumnDetector("rate_limits", "updated_at"),
			Logger:   logger,
			Name:     "rate_limits",
		})
		w.OnChange(gctx, func() error { return limiter.LoadRules(gctx, db) })
		return nil
	})
	g.Go(func() error {
		return observability.NewSampler(metrics, 15*time.Second, sessions.Len, logger).Run(gctx)
	})
	g.Go(func() error {
		retention(gctx, logger, time.Hour, cfg.Storage.AuditRetention, audit, metrics)
		return nil
	})
	limiter.StartCleanup(gctx, time.Minute)
	tokens.StartCleanup(gctx, cfg.Auth.CleanupInterval)

	return g.Wait()
}

type cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// retention prunes audit rows and metrics older than keep, every interval.
func retention(ctx context.Context, logger *slog.Logger, interval, keep time.Duration, targets ...cleaner) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, c := range targets {
				n, err := c.Cleanup(ctx, keep)
				if err != nil {
					logger.Warn("controldeck: retention cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("controldeck: retention cleanup", "removed", n)
				}
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}
