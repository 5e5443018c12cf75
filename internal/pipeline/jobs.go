package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/store"
)

// VerifyJob is the payload of a verify-upload task.
type VerifyJob struct {
	ImageID string `json:"imageId"`
	Key     string `json:"key"`
}

// ValidateJob is the payload of a validate-image task.
type ValidateJob struct {
	ImageID  string `json:"imageId"`
	Key      string `json:"key"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

func validateJobFor(img *store.Image) ValidateJob {
	return ValidateJob{
		ImageID:  img.ID,
		Key:      img.Key,
		MimeType: img.MimeType,
		Size:     img.DeclaredSize,
	}
}

// HandleVerifyJob is the verify queue's task body. It re-reads the record
// and acts only on the state it finds, so redelivery is harmless.
func (p *Processor) HandleVerifyJob(ctx context.Context, job VerifyJob) error {
	const op = "pipeline.HandleVerifyJob"
	img, err := p.load(ctx, op, job.ImageID)
	if err != nil {
		return err
	}
	logger := log.With().Str("imageId", img.ID).Str("key", img.Key).Logger()

	switch {
	case img.Status.Terminal():
		logger.Debug().Str("status", string(img.Status)).Msg("Verify job skipped: already terminal")
		return nil

	case img.Status == store.StatusProcessing:
		// A previous delivery advanced the record but may have crashed before
		// the hand-off. The validate task ID makes this a no-op if it did not.
		logger.Info().Msg("Verify job found record in PROCESSING, re-enqueueing validation")
		return p.enqueueValidate(ctx, op, img)

	case img.Status == store.StatusVerifying:
		key := job.Key
		if key == "" {
			key = img.Key
		}
		out, err := p.verifyStep(ctx, img.ID, key, img.DeclaredSize)
		if err != nil {
			return err
		}
		if !out.advanced {
			return nil
		}
		img.Key = key
		return p.enqueueValidate(ctx, op, img)

	default:
		return apperr.StateTransition(op, "image %s is %s, verify job expects %s", img.ID, img.Status, store.StatusVerifying)
	}
}

// HandleValidateJob is the validate queue's task body.
func (p *Processor) HandleValidateJob(ctx context.Context, job ValidateJob) error {
	const op = "pipeline.HandleValidateJob"
	img, err := p.load(ctx, op, job.ImageID)
	if err != nil {
		return err
	}

	switch {
	case img.Status.Terminal():
		log.Debug().Str("imageId", img.ID).Str("status", string(img.Status)).Msg("Validate job skipped: already terminal")
		return nil
	case img.Status == store.StatusProcessing:
		_, err := p.validateStep(ctx, img.ID, job.Key, job.MimeType, job.Size)
		return err
	default:
		return apperr.StateTransition(op, "image %s is %s, validate job expects %s", img.ID, img.Status, store.StatusProcessing)
	}
}

// VerifyExhausted finalises a record whose verify task ran out of
// attempts. It only applies while the record is still VERIFYING.
func (p *Processor) VerifyExhausted(ctx context.Context, job VerifyJob, cause error) error {
	return p.exhausted(ctx, "pipeline.VerifyExhausted", job.ImageID, cause,
		store.StatusVerifying, store.StatusUploadFailed, store.ReasonVerificationError)
}

// ValidateExhausted finalises a record whose validate task ran out of
// attempts. It only applies while the record is still PROCESSING.
func (p *Processor) ValidateExhausted(ctx context.Context, job ValidateJob, cause error) error {
	return p.exhausted(ctx, "pipeline.ValidateExhausted", job.ImageID, cause,
		store.StatusProcessing, store.StatusRejected, store.ReasonProcessingError)
}

func (p *Processor) exhausted(ctx context.Context, op, id string, cause error, from, to store.Status, reason store.Reason) error {
	now := p.now()
	won, err := p.store.Transition(ctx, id, []store.Status{from}, store.Change{
		To:          to,
		Reasons:     []store.Reason{reason},
		ProcessedAt: &now,
	})
	if err != nil {
		return apperr.Classify(op, err)
	}
	logger := log.With().Str("imageId", id).Logger()
	if !won {
		logger.Info().Str("expected", string(from)).Msg("Retries exhausted but record already moved on")
		return nil
	}
	logger.Warn().Err(cause).Str("status", string(to)).Str("reason", string(reason)).Msg("Retries exhausted, record finalised")
	p.finalized(ctx, id, to)
	return nil
}

// Requeue re-dispatches the task matching a record's in-flight status. It
// recovers records whose hand-off was lost (enqueue failure after a won
// transition, or a task archived while the record stayed in flight).
// Records in any other status are left alone and their status is returned.
func (p *Processor) Requeue(ctx context.Context, id string) (store.Status, error) {
	const op = "pipeline.Requeue"
	img, err := p.load(ctx, op, id)
	if err != nil {
		return "", err
	}
	if img.Status != store.StatusVerifying && img.Status != store.StatusProcessing {
		log.Info().Str("imageId", id).Str("status", string(img.Status)).Msg("Nothing to requeue")
		return img.Status, nil
	}
	if p.requeuer == nil {
		return img.Status, apperr.New(apperr.KindExternalService, op, "no requeuer configured")
	}

	if img.Status == store.StatusVerifying {
		err = p.requeuer.RequeueVerify(ctx, VerifyJob{ImageID: img.ID, Key: img.Key})
	} else {
		err = p.requeuer.RequeueValidate(ctx, validateJobFor(img))
	}
	if err != nil {
		return img.Status, apperr.Classify(op, err)
	}
	log.Info().Str("imageId", id).Str("status", string(img.Status)).Msg("Record requeued")
	return img.Status, nil
}

func (p *Processor) enqueueValidate(ctx context.Context, op string, img *store.Image) error {
	start := time.Now()
	if err := p.enqueuer.EnqueueValidate(ctx, validateJobFor(img)); err != nil {
		return apperr.Classify(op, err)
	}
	log.Debug().Str("imageId", img.ID).Dur("elapsed", time.Since(start)).Msg("Validate job enqueued")
	return nil
}
