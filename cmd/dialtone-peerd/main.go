package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/fenwicklabs/dialtone/internal/config"
	"github.com/fenwicklabs/dialtone/internal/coordinator"
	"github.com/fenwicklabs/dialtone/internal/engine"
	"github.com/fenwicklabs/dialtone/internal/httpapi"
	"github.com/fenwicklabs/dialtone/internal/memstore"
	"github.com/fenwicklabs/dialtone/internal/metrics"
	"github.com/fenwicklabs/dialtone/internal/redistore"
	"github.com/fenwicklabs/dialtone/internal/store"
	"github.com/fenwicklabs/dialtone/internal/storebridge"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if cfg.SelfID == "" {
		logger.Error("missing self id (set DIALTONE_SELF_ID or -self-id)")
		os.Exit(2)
	}
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration invalid, continuing without ICE servers", "err", err)
	}

	logger.Info("starting dialtone-peerd",
		"self_id", cfg.SelfID,
		"http_listen_addr", cfg.HTTPListenAddr,
		"store_backend", cfg.StoreBackend,
		"ring_timeout", cfg.RingTimeout,
		"mode", cfg.Mode,
	)

	st, closeStore, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("failed to connect store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	factory := engine.NewPionFactory(engine.PionConfig{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})

	manager := coordinator.NewManager(coordinator.ManagerConfig{
		SelfID:               cfg.SelfID,
		Store:                st,
		Engine:               factory,
		Metrics:              metrics.New(),
		Logger:               logger,
		RingTimeout:          cfg.RingTimeout,
		EndGraceDelay:        cfg.EndGraceDelay,
		PresencePollInterval: cfg.PresencePollInterval,
	})
	if err := manager.Start(); err != nil {
		logger.Error("failed to start call listener", "err", err)
		os.Exit(1)
	}
	defer manager.Close()

	ln, err := net.Listen("tcp", cfg.HTTPListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpapi.New(cfg, logger, manager, httpapi.BuildInfo{Commit: commit, BuildTime: built})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newStore(cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMem:
		ms := memstore.New()
		return ms, func() { ms.Close() }, nil

	case config.StoreBackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return redistore.New(rdb, logger), func() { _ = rdb.Close() }, nil

	case config.StoreBackendBridge:
		client, err := storebridge.Dial(context.Background(), storebridge.ClientConfig{
			URL:    cfg.BridgeURL,
			APIKey: cfg.BridgeAPIKey,
			Token:  cfg.BridgeToken,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
