// AgentWallet - Spend governance for autonomous AI agents
package main

import (
	"context"
	"os"

	"github.com/mbd888/agentwallet/internal/config"
	"github.com/mbd888/agentwallet/internal/logging"
	"github.com/mbd888/agentwallet/internal/server"
	"github.com/mbd888/agentwallet/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting agentwallet",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"stripe", cfg.StripeEnabled(),
		"onchain", cfg.OnchainEnabled(),
	)

	ctx := context.Background()

	// Trace export is a no-op when no endpoint is configured.
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
