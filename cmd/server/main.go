package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "console").Error("load config", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	app, err := server.Build(ctx, cfg, log)
	if err != nil {
		log.Error("init attachvault", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Serve(ctx); err != nil {
		log.Error("server stopped", "err", err)
		app.Close()
		os.Exit(1)
	}
}
