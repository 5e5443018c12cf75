// Package main provides the Lambda entry point for S3 ObjectCreated events
// on the upload bucket.
//
// For each uploaded object it finds the owning record by storage key and
// starts verification, exactly as POST /api/uploads/complete would. Either
// path may win; the loser sees the record already VERIFYING and does
// nothing.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/boot"
	"github.com/fpang/photo-intake/internal/logging"
)

func main() {
	logging.Init()
	ctx := context.Background()

	app, err := boot.Init(ctx, "upload-event-lambda")
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}

	h := &handler{store: app.Store, verifier: app.Processor}
	lambda.Start(h.Handle)
}
