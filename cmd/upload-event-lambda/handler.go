package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/pipeline"
	"github.com/fpang/photo-intake/internal/s3util"
	"github.com/fpang/photo-intake/internal/store"
)

// uploadPrefix is where upload slots put objects; other keys are ignored.
const uploadPrefix = "uploads/"

type keyFinder interface {
	FindByKey(ctx context.Context, key string) (*store.Image, error)
}

type verifier interface {
	InitiateVerification(ctx context.Context, id string) (pipeline.InitiateResult, error)
}

type handler struct {
	store    keyFinder
	verifier verifier
}

// Handle processes every record in the batch. Retryable failures are
// returned so Lambda redelivers the event; starting verification twice is
// harmless.
func (h *handler) Handle(ctx context.Context, event events.S3Event) error {
	var errs []error
	for _, record := range event.Records {
		if err := h.handleRecord(ctx, record); err != nil {
			log.Error().Err(err).Str("key", record.S3.Object.Key).Msg("Failed to start verification")
			if apperr.Retryable(err) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *handler) handleRecord(ctx context.Context, record events.S3EventRecord) error {
	if !strings.HasPrefix(record.EventName, "ObjectCreated:") {
		log.Debug().Str("event", record.EventName).Msg("Skipping non-create event")
		return nil
	}

	key, err := s3util.DecodeEventKey(record.S3.Object.Key)
	if err != nil {
		return apperr.Validation("upload-event.handleRecord", "%v", err)
	}
	if !strings.HasPrefix(key, uploadPrefix) {
		log.Debug().Str("key", key).Msg("Skipping key outside the upload prefix")
		return nil
	}

	img, err := h.store.FindByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("find record for %s: %w", key, err)
	}
	if img == nil {
		log.Warn().Str("key", key).Str("bucket", record.S3.Bucket.Name).Msg("No record owns uploaded object, skipping")
		return nil
	}

	res, err := h.verifier.InitiateVerification(ctx, img.ID)
	if err != nil {
		return err
	}
	log.Info().
		Str("imageId", img.ID).
		Str("key", key).
		Bool("started", res.Started).
		Str("status", string(res.Status)).
		Int64("objectSize", record.S3.Object.Size).
		Msg("Upload event handled")
	return nil
}
