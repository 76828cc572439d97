package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/uhyunpark/batchex/params"
	"github.com/uhyunpark/batchex/pkg/api"
	"github.com/uhyunpark/batchex/pkg/app/core/asset"
	"github.com/uhyunpark/batchex/pkg/app/exchange"
	"github.com/uhyunpark/batchex/pkg/storage"
	"github.com/uhyunpark/batchex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		sugar.Fatalw("data_dir_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	store, err := storage.NewPebbleStore(cfg.Node.DataDir)
	if err != nil {
		sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	defer store.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Node.JournalFile), 0755); err != nil {
		sugar.Fatalw("journal_dir_failed", "path", cfg.Node.JournalFile, "err", err)
	}
	wal, err := storage.NewFileWAL(cfg.Node.JournalFile)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalFile, "err", err)
	}
	defer wal.Close()

	// ---- Exchange ----
	// Holdings are kept in our own vault and credited by an operator.
	custody := asset.NewPersistentVault(store)
	ex := exchange.New(cfg.Settlement, util.RealClock{}, custody, store, wal, sugar)
	if err := ex.Restore(); err != nil {
		sugar.Fatalw("restore_failed", "err", err)
	}
	info := ex.Batch()
	sugar.Infow("exchange_ready",
		"batch", info.Current,
		"state", info.StateName,
		"tokens", len(ex.Tokens()),
		"state_hash", ex.StateHash().Hex(),
	)

	// ---- API ----
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(ex, cfg.Node.AllowedOrigins, sugar)
	if cfg.Node.OperatorToken != "" {
		server.EnableOperatorCredits(cfg.Node.OperatorToken)
	} else {
		sugar.Warnw("operator_credits_disabled", "hint", "set OPERATOR_TOKEN to credit holdings")
	}
	sugar.Infow("api_starting", "addr", cfg.Node.APIAddr)
	if err := server.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Errorw("api_failed", "err", err)
	}
	sugar.Infow("shutdown_complete")
}
