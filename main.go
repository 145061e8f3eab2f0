package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chris-gilbert/Level5/config"
	"github.com/chris-gilbert/Level5/ledger"
	"github.com/chris-gilbert/Level5/mirror"
	"github.com/chris-gilbert/Level5/pricing"
	"github.com/chris-gilbert/Level5/server"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, err := ledger.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer store.Close()

	if err := store.SeedTokenConfig(config.SOLMint, "SOL", 9, cfg.SOLUSDCRate); err != nil {
		logger.Fatal("failed to seed SOL config", zap.Error(err))
	}
	if err := store.SeedTokenConfig(cfg.USDCMint, "USDC", 6, 1.0); err != nil {
		logger.Fatal("failed to seed USDC config", zap.Error(err))
	}

	engine := pricing.NewEngine(store, cfg.USDCMint, config.SOLMint, logger)

	m, err := mirror.New(cfg.HeliusRPCURL, cfg.HeliusWSURL, cfg.ProgramID, store, logger)
	if err != nil {
		logger.Fatal("failed to create mirror", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m.Start(ctx)
	defer m.Stop()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(cfg, store, engine, logger).Router(),
	}

	go func() {
		logger.Info("proxy listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("program_id", cfg.ProgramID),
			zap.String("db", cfg.DatabasePath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}
