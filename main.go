// Agent Console - client engine for remote agent conversation threads
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/workspace/agent-console/internal/client"
	"github.com/workspace/agent-console/internal/config"
	"github.com/workspace/agent-console/internal/logging"
	"github.com/workspace/agent-console/internal/persistence"
	"github.com/workspace/agent-console/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.Info("Starting agent console", "server", cfg.Server.URL)

	store, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("Failed to open local store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	engine := client.New(client.Options{
		Store:              store,
		PermissionTimeout:  cfg.PermissionTimeout(),
		HistoryFetchLimit:  cfg.Transport.HistoryFetchLimit,
		SubscriptionWindow: cfg.Subscriptions.WindowSize,
	})

	if err := engine.Prime(); err != nil {
		slog.Warn("Snapshot priming failed, starting cold", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := transport.Dial(ctx, transport.Options{
		URL:             cfg.Server.URL,
		Token:           cfg.Server.Token,
		ReadBufferSize:  cfg.Transport.ReadBufferSize,
		WriteBufferSize: cfg.Transport.WriteBufferSize,
		WriteTimeout:    cfg.WriteTimeout(),
		PingInterval:    cfg.PingInterval(),
		MinBackoff:      cfg.ReconnectMinBackoff(),
		MaxBackoff:      cfg.ReconnectMaxBackoff(),
	}, engine.HandleEvent, engine.HandleConnected, func(s transport.Status) {
		slog.Info("Connection status changed", "status", s)
	})
	if err != nil {
		slog.Error("Failed to connect", "url", cfg.Server.URL, "error", err)
		os.Exit(1)
	}
	engine.AttachTransport(ws)

	slog.Info("Connected", "url", cfg.Server.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received signal, shutting down", "signal", sig.String())

	if err := ws.Close(); err != nil {
		slog.Warn("Error closing transport", "error", err)
	}
	slog.Info("Agent console stopped")
}
