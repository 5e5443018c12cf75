// Package main serves the photo intake HTTP API.
//
// Inside Lambda (AWS_LAMBDA_FUNCTION_NAME set) requests arrive through API
// Gateway HTTP API payloads and are adapted to net/http. Elsewhere the same
// handler runs on a local http.Server until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/photo-intake/internal/api"
	"github.com/fpang/photo-intake/internal/boot"
	"github.com/fpang/photo-intake/internal/logging"
)

func main() {
	logging.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := boot.Init(ctx, "photo-api")
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer app.Close()

	handler := api.New(api.Deps{
		Store:    app.Store,
		Uploads:  app.Gateway,
		Verifier: app.Processor,
		Redis:    app.Redis,
		Metrics:  app.Metrics,
	}, api.Config{
		MaxUploadSize: app.Config.MaxUploadSize,
		PresignExpiry: app.Config.PresignExpiry,
	}).Handler()

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(httpadapter.NewV2(handler).ProxyWithContext)
		return
	}

	if err := serve(ctx, app.Config.HTTPAddr, handler); err != nil {
		log.Error().Err(err).Msg("Server failed")
		app.Close()
		os.Exit(1)
	}
}

// serve runs the local server until ctx is cancelled, then drains
// in-flight requests.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
