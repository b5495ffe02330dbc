package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/queue"
	"github.com/dharsanguruparan/attachvault/internal/server"
	"github.com/dharsanguruparan/attachvault/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "console").Error("load config", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat).WithComponent("worker")
	if cfg.RedisAddr == "" {
		log.Error("ATTACHVAULT_REDIS_ADDR is required for the worker")
		os.Exit(1)
	}

	app, err := server.Build(ctx, cfg, log)
	if err != nil {
		log.Error("init attachvault", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      worker.NewAsynqLogger(log),
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: worker.NewAsynqLogger(log)})
	if err := queue.SchedulePeriodic(scheduler, cfg.MaintenanceTick); err != nil {
		log.Error("schedule maintenance", "err", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		log.Error("start scheduler", "err", err)
		os.Exit(1)
	}
	defer scheduler.Shutdown()

	mux := worker.NewProcessor(app.Janitor, log).Handler()

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	if err := srv.Run(mux); err != nil {
		log.Error("worker stopped", "err", err)
		app.Close()
		os.Exit(1)
	}
}
