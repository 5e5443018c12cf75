// Package pipeline drives an uploaded image through its lifecycle:
// AWAITING_UPLOAD → VERIFYING → PROCESSING → ACCEPTED / REJECTED, or
// UPLOAD_FAILED when the object never materialises or its size is off.
//
// Every status change is a compare-and-swap on the record store
// (store.RecordStore.Transition). A caller that loses a race re-reads the
// record and reports what it found; it never overwrites another worker's
// result. Background work is handed to an Enqueuer, never to a detached
// goroutine.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/metrics"
	"github.com/fpang/photo-intake/internal/s3util"
	"github.com/fpang/photo-intake/internal/store"
	"github.com/fpang/photo-intake/internal/validation"
)

// Gateway is the object store surface the pipeline needs.
type Gateway interface {
	VerifyWithRetry(ctx context.Context, key string, maxAttempts int, delay time.Duration) (s3util.VerifyResult, error)
}

// Validator decides whether an uploaded object is acceptable.
type Validator interface {
	Validate(ctx context.Context, key, mimeType string, size int64) (*validation.Result, error)
}

// Enqueuer hands work to the job queue. Both calls must be idempotent per
// image: enqueueing the same image twice while a task is pending is a no-op.
type Enqueuer interface {
	EnqueueVerify(ctx context.Context, job VerifyJob) error
	EnqueueValidate(ctx context.Context, job ValidateJob) error
}

// Requeuer re-dispatches work whose hand-off was lost. Unlike Enqueuer it
// must not report success while a finished task still blocks the image's
// task ID.
type Requeuer interface {
	RequeueVerify(ctx context.Context, job VerifyJob) error
	RequeueValidate(ctx context.Context, job ValidateJob) error
}

// Notifier is told about every record that reaches a terminal status.
type Notifier interface {
	ImageFinalized(ctx context.Context, img *store.Image) error
}

// Config tunes the verify step.
type Config struct {
	MaxVerificationAttempts int
	VerificationDelay       time.Duration
	SizeTolerance           float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		MaxVerificationAttempts: 3,
		VerificationDelay:       5 * time.Second,
		SizeTolerance:           s3util.DefaultSizeTolerance,
	}
}

// Deps are the collaborators a Processor is built from. Notifier and
// Metrics are optional. Without a Requeuer, Requeue fails.
type Deps struct {
	Store     store.RecordStore
	Gateway   Gateway
	Validator Validator
	Enqueuer  Enqueuer
	Requeuer  Requeuer
	Notifier  Notifier
	Metrics   *metrics.Emitter
}

// Processor runs the upload state machine. It is safe for concurrent use.
type Processor struct {
	store     store.RecordStore
	gateway   Gateway
	validator Validator
	enqueuer  Enqueuer
	requeuer  Requeuer
	notifier  Notifier
	metrics   *metrics.Emitter
	cfg       Config
	now       func() time.Time
}

// New creates a Processor.
func New(deps Deps, cfg Config) *Processor {
	p := &Processor{
		store:     deps.Store,
		gateway:   deps.Gateway,
		validator: deps.Validator,
		enqueuer:  deps.Enqueuer,
		requeuer:  deps.Requeuer,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if p.metrics == nil {
		p.metrics = metrics.Discard()
	}
	return p
}

// InitiateResult reports whether this call started verification.
type InitiateResult struct {
	Started bool         `json:"started"`
	Status  store.Status `json:"status"`
}

// ProcessResult reports whether this call carried the record to a
// terminal status.
type ProcessResult struct {
	Success bool         `json:"success"`
	Status  store.Status `json:"status"`
}

// InitiateVerification marks the upload complete and queues verification.
// Of any number of concurrent callers exactly one observes Started=true;
// the others get the record's current status and cause no side effects.
//
// If the hand-off to the queue fails after the transition was won, the
// record stays VERIFYING and the error is returned. Requeue recovers it.
func (p *Processor) InitiateVerification(ctx context.Context, id string) (InitiateResult, error) {
	const op = "pipeline.InitiateVerification"
	img, err := p.load(ctx, op, id)
	if err != nil {
		return InitiateResult{}, err
	}

	now := p.now()
	won, err := p.store.Transition(ctx, id, []store.Status{store.StatusAwaitingUpload}, store.Change{
		To:                store.StatusVerifying,
		UploadCompletedAt: &now,
	})
	if err != nil {
		return InitiateResult{}, apperr.Classify(op, err)
	}
	if !won {
		status, err := p.currentStatus(ctx, op, id)
		if err != nil {
			return InitiateResult{}, err
		}
		log.Debug().Str("imageId", id).Str("status", string(status)).Msg("Verification already initiated")
		return InitiateResult{Started: false, Status: status}, nil
	}

	if err := p.enqueuer.EnqueueVerify(ctx, VerifyJob{ImageID: id, Key: img.Key}); err != nil {
		log.Error().Err(err).Str("imageId", id).Msg("Verify enqueue failed after transition; record needs requeue")
		return InitiateResult{Started: true, Status: store.StatusVerifying}, apperr.Classify(op, err)
	}
	log.Info().Str("imageId", id).Str("key", img.Key).Msg("Verification initiated")
	return InitiateResult{Started: true, Status: store.StatusVerifying}, nil
}

// ProcessVerification runs the whole pipeline body inline: verify, then
// validate, then write the terminal status. A record that is not VERIFYING
// is returned untouched with Success=false. Concurrent invocations race on
// the VERIFYING → PROCESSING transition; only the winner downloads and
// validates.
//
// An error or panic during the body rejects the record with
// PROCESSING_ERROR, provided it is still VERIFYING or PROCESSING.
func (p *Processor) ProcessVerification(ctx context.Context, id, key, mimeType string, size int64) (res ProcessResult, err error) {
	const op = "pipeline.ProcessVerification"
	img, err := p.load(ctx, op, id)
	if err != nil {
		return ProcessResult{}, err
	}
	if img.Status != store.StatusVerifying {
		return ProcessResult{Success: false, Status: img.Status}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperr.Wrap(apperr.KindImageProcessing, op, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			res = ProcessResult{Success: false, Status: p.fallback(ctx, id, err)}
		}
	}()

	out, err := p.verifyStep(ctx, id, key, size)
	if err != nil {
		return ProcessResult{}, err
	}
	if !out.advanced {
		return ProcessResult{Success: out.won, Status: out.status}, nil
	}

	out, err = p.validateStep(ctx, id, key, mimeType, size)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Success: out.won, Status: out.status}, nil
}

// stepOutcome is what one guarded step did. won means this caller's
// transition applied; advanced means the record moved on to the next
// non-terminal step.
type stepOutcome struct {
	won      bool
	advanced bool
	status   store.Status
}

// verifyStep polls the object store and moves a VERIFYING record to
// PROCESSING, or to UPLOAD_FAILED when the object is missing or its size
// is out of tolerance.
func (p *Processor) verifyStep(ctx context.Context, id, key string, declared int64) (stepOutcome, error) {
	const op = "pipeline.verify"
	logger := log.With().Str("imageId", id).Str("key", key).Logger()

	start := time.Now()
	head, err := p.gateway.VerifyWithRetry(ctx, key, p.cfg.MaxVerificationAttempts, p.cfg.VerificationDelay)
	if head.Attempts > 0 {
		if rerr := p.store.RecordVerificationAttempts(ctx, id, head.Attempts, p.now()); rerr != nil {
			logger.Warn().Err(rerr).Int("attempts", head.Attempts).Msg("Failed to record verification attempts")
		}
	}
	p.metrics.New().
		Metric("VerificationAttempts", float64(head.Attempts), metrics.UnitCount).
		Duration("VerificationLatency", time.Since(start)).
		Property("imageId", id).
		Flush()
	if err != nil {
		return stepOutcome{}, apperr.Classify(op, err)
	}

	var reason store.Reason
	switch {
	case !head.Exists:
		reason = store.ReasonUploadVerificationFailed
		logger.Warn().Int("attempts", head.Attempts).Msg("Upload not found after verification attempts")
	default:
		if ok, diff := s3util.SizeWithinTolerance(declared, head.ContentLength, p.cfg.SizeTolerance); !ok {
			reason = store.ReasonFileSizeMismatch
			logger.Warn().
				Int64("declared", declared).
				Int64("measured", head.ContentLength).
				Float64("difference", diff).
				Msg("Uploaded size outside tolerance")
		}
	}

	change := store.Change{To: store.StatusProcessing}
	if reason != "" {
		now := p.now()
		change = store.Change{To: store.StatusUploadFailed, Reasons: []store.Reason{reason}, ProcessedAt: &now}
	}
	return p.guarded(ctx, op, id, store.StatusVerifying, change)
}

// validateStep runs the validation engine and writes the verdict onto a
// PROCESSING record.
func (p *Processor) validateStep(ctx context.Context, id, key, mimeType string, size int64) (stepOutcome, error) {
	const op = "pipeline.validate"
	start := time.Now()
	res, err := p.validator.Validate(ctx, key, mimeType, size)
	if err != nil {
		return stepOutcome{}, apperr.Classify(op, err)
	}
	p.metrics.New().
		Dimension("Valid", fmt.Sprintf("%t", res.Valid)).
		Duration("ValidationLatency", time.Since(start)).
		Property("imageId", id).
		Flush()

	now := p.now()
	change := store.Change{
		To:          store.StatusAccepted,
		Analysis:    res.Analysis,
		ProcessedAt: &now,
	}
	if !res.Valid {
		change.To = store.StatusRejected
		change.Reasons = res.Reasons
	}
	return p.guarded(ctx, op, id, store.StatusProcessing, change)
}

// guarded applies change if the record is still in from. A won terminal
// transition is announced; a lost one reports the current status.
func (p *Processor) guarded(ctx context.Context, op, id string, from store.Status, change store.Change) (stepOutcome, error) {
	won, err := p.store.Transition(ctx, id, []store.Status{from}, change)
	if err != nil {
		return stepOutcome{}, apperr.Classify(op, err)
	}
	if !won {
		status, err := p.currentStatus(ctx, op, id)
		if err != nil {
			return stepOutcome{}, err
		}
		log.Info().Str("imageId", id).Str("status", string(status)).Str("wanted", string(change.To)).Msg("Lost transition race")
		return stepOutcome{status: status}, nil
	}

	log.Info().
		Str("imageId", id).
		Str("from", string(from)).
		Str("to", string(change.To)).
		Interface("reasons", change.Reasons).
		Msg("Status changed")
	if change.To.Terminal() {
		p.finalized(ctx, id, change.To)
		return stepOutcome{won: true, status: change.To}, nil
	}
	return stepOutcome{won: true, advanced: true, status: change.To}, nil
}

// fallback rejects a record whose pipeline body failed, unless another
// worker already finalised it. It returns the status the record ends in.
func (p *Processor) fallback(ctx context.Context, id string, cause error) store.Status {
	const op = "pipeline.fallback"
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	logger := log.With().Str("imageId", id).Logger()
	logger.Error().Err(cause).Msg("Pipeline failed, rejecting with PROCESSING_ERROR")

	now := p.now()
	won, err := p.store.Transition(ctx, id, []store.Status{store.StatusVerifying, store.StatusProcessing}, store.Change{
		To:          store.StatusRejected,
		Reasons:     []store.Reason{store.ReasonProcessingError},
		ProcessedAt: &now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Fallback rejection failed")
	}
	if won {
		p.finalized(ctx, id, store.StatusRejected)
		return store.StatusRejected
	}
	status, err := p.currentStatus(ctx, op, id)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to re-read record after fallback")
	}
	return status
}

// finalized emits the metric and notification for a terminal transition.
// Both are best effort.
func (p *Processor) finalized(ctx context.Context, id string, status store.Status) {
	rec := p.metrics.New().
		Dimension("Status", string(status)).
		Count("ImagesFinalized").
		Property("imageId", id)

	img, err := p.store.FindByID(ctx, id)
	if err != nil || img == nil {
		log.Warn().Err(err).Str("imageId", id).Msg("Could not re-read finalised record")
		rec.Flush()
		return
	}
	if img.UploadCompletedAt != nil && img.ProcessedAt != nil {
		rec.Duration("PipelineLatency", img.ProcessedAt.Sub(*img.UploadCompletedAt))
	}
	rec.Flush()

	if p.notifier == nil {
		return
	}
	if err := p.notifier.ImageFinalized(ctx, img); err != nil {
		log.Warn().Err(err).Str("imageId", id).Str("status", string(status)).Msg("Failed to publish finalisation event")
	}
}

func (p *Processor) load(ctx context.Context, op, id string) (*store.Image, error) {
	img, err := p.store.FindByID(ctx, id)
	if err != nil {
		return nil, apperr.Classify(op, err)
	}
	if img == nil {
		return nil, apperr.NotFound(op, "image %s not found", id)
	}
	return img, nil
}

func (p *Processor) currentStatus(ctx context.Context, op, id string) (store.Status, error) {
	img, err := p.load(ctx, op, id)
	if err != nil {
		return "", err
	}
	return img.Status, nil
}
