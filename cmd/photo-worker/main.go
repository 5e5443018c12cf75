// Package main runs the queue workers: one asynq server for verify-upload
// jobs and one for validate-image jobs, each with its own concurrency.
// The process exits after in-flight jobs drain on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/boot"
	"github.com/fpang/photo-intake/internal/logging"
	"github.com/fpang/photo-intake/internal/queue"
)

func main() {
	logging.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := boot.Init(ctx, "photo-worker")
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer app.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = app.Redis.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Redis is unreachable")
		app.Close()
		os.Exit(1)
	}

	workers := queue.NewWorkers(app.Redis.Opt, app.Config.Queue, app.Processor)
	if err := workers.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Workers stopped with an error")
		app.Close()
		os.Exit(1)
	}
	log.Info().Msg("Workers stopped")
}
