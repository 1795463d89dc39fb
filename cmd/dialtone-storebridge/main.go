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
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenwicklabs/dialtone/internal/auth"
	"github.com/fenwicklabs/dialtone/internal/config"
	"github.com/fenwicklabs/dialtone/internal/memstore"
	"github.com/fenwicklabs/dialtone/internal/redistore"
	"github.com/fenwicklabs/dialtone/internal/store"
	"github.com/fenwicklabs/dialtone/internal/storebridge"
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

	logger.Info("starting dialtone-storebridge",
		"listen_addr", cfg.BridgeListenAddr,
		"store_backend", cfg.StoreBackend,
		"auth_mode", cfg.AuthMode,
		"mode", cfg.Mode,
	)

	backend, closeStore, err := newBackend(cfg, logger)
	if err != nil {
		logger.Error("failed to connect store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	bridge, err := storebridge.NewServer(backend, storebridge.ServerConfig{
		AuthMode:          auth.Mode(cfg.AuthMode),
		APIKey:            cfg.APIKey,
		JWTSecret:         cfg.JWTSecret,
		AuthTimeout:       cfg.AuthTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: int64(cfg.MessagesPerSecond),
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to configure bridge", "err", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"ok\":true}\n"))
	})
	mux.Handle("GET /store", bridge)

	srv := &http.Server{
		Addr:              cfg.BridgeListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BridgeListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge serving", "addr", ln.Addr().String())
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

func newBackend(cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
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
	}
	return nil, nil, fmt.Errorf("bridge cannot serve store backend %q", cfg.StoreBackend)
}
