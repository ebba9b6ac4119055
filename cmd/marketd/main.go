package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"marketchain/config"
	"marketchain/core"
	"marketchain/core/genesis"
	"marketchain/observability/logging"
	"marketchain/rpc"
	"marketchain/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("marketd", "", "").Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger := logging.Setup("marketd", cfg.LogEnv, cfg.LogFile)

	gen, err := genesis.Load(cfg.GenesisFile)
	if err != nil {
		logger.Error("failed to load genesis", "path", cfg.GenesisFile, "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "market"))
	if err != nil {
		logger.Error("failed to open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, gen, cfg.PausedModules, logger)
	if err != nil {
		logger.Error("failed to initialise node", "err", err)
		os.Exit(1)
	}

	server := rpc.NewServer(node, logger, rpc.RateLimit{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server", "addr", cfg.RPCAddress, "network", cfg.NetworkName)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server failed", "err", err)
			os.Exit(1)
		}
	}
}
