package main

import (
	"log/slog"
	"os"

	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/credential"
	"github.com/yansir/kiro-relay/internal/events"
	"github.com/yansir/kiro-relay/internal/server"
	"github.com/yansir/kiro-relay/internal/store"
	"github.com/yansir/kiro-relay/internal/transport"
)

var version = "dev"

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	// Setup logging with ring buffer handler
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("kiro-relay starting", "version", version)

	// Open the persistence backend (sqlite or redis)
	s, err := openStore(cfg)
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("store ready", "backend", cfg.StoreBackend)

	// Initialize crypto (derive keys at startup)
	crypto := credential.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("encryption key derived")

	// Initialize transport manager (per-credential utls + proxy)
	tm := transport.NewManager(cfg)
	defer tm.Close()

	// Initialize event bus
	bus := events.NewBus(200)

	// Start server
	srv := server.New(cfg, s, crypto, tm, bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == "redis" {
		return store.NewRedis(cfg.RedisAddr, "", 0, cfg.RedisPrefix)
	}
	return store.New(cfg.DBPath)
}
