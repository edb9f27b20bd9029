// Command server starts the collaborative document editing service:
// loads configuration, opens persistent storage, wires the document
// registry and its background persister, and serves the HTTP/websocket
// surface until interrupted. Structure ported from the teacher's
// cmd/server/main.go (env-driven Config, signal-based graceful shutdown).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/config"
	"github.com/collabpad/core/internal/registry"
	"github.com/collabpad/core/internal/server"
	"github.com/collabpad/core/internal/store"
	"github.com/collabpad/core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	os.Setenv("LOG_LEVEL", cfg.LogLevel)
	logger.Init()

	logger.Info("starting collabpad core...")
	logger.Info("host: %s", cfg.Host)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open storage: %v", err)
		log.Fatalf("failed to open storage: %v", err)
	}
	defer closeStore()

	authProvider := authProviderFor(cfg)

	reg := registry.New(st, cfg.MaxDocumentSize, cfg.BroadcastBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx, cfg.PersistInterval, cfg.PersistIntervalJitter)

	srv := server.New(reg, st, authProvider)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		reg.Shutdown(context.Background())
		os.Exit(0)
	}()

	log.Fatal(srv.ListenAndServe(cfg.Host))
}

// openStore opens the SQLite-backed store under cfg.Storage, creating the
// directory if needed, or falls back to an in-memory store when Storage
// is empty.
func openStore(cfg config.Config) (store.OpStore, func(), error) {
	if cfg.Storage == "" {
		logger.Info("storage: disabled (in-memory only)")
		return store.NewMemoryStore(), func() {}, nil
	}

	if err := os.MkdirAll(cfg.Storage, 0o755); err != nil {
		return nil, nil, err
	}
	path := filepath.Join(cfg.Storage, "collabpad.db")
	logger.Info("storage: %s", path)

	sqliteStore, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return sqliteStore, func() { sqliteStore.Close() }, nil
}

// authProviderFor returns auth.NoneProvider when OPENID_CONFIG is unset,
// matching the spec's "absent disables authentication" rule. Wiring an
// actual OpenID Connect flow is out of scope; session.Table is ready for
// a login handler to populate once one exists.
func authProviderFor(cfg config.Config) auth.Provider {
	if cfg.OpenIDConfig == "" {
		logger.Info("authentication: disabled (no OPENID_CONFIG)")
		return auth.NoneProvider{}
	}
	logger.Info("authentication: OPENID_CONFIG set, but OIDC login is out of scope; sessions never populate")
	return auth.NoneProvider{}
}
