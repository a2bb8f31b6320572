package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"crypto-payment-service/internal/config"
	"crypto-payment-service/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("APP_ENV"))
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise service", zap.Error(err))
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger.With(zap.String("service", "crypto-payment-service"))
}
