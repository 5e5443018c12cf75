package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/pipeline"
)

// Handler is the pipeline surface the workers drive. *pipeline.Processor
// implements it.
type Handler interface {
	HandleVerifyJob(ctx context.Context, job pipeline.VerifyJob) error
	HandleValidateJob(ctx context.Context, job pipeline.ValidateJob) error
	VerifyExhausted(ctx context.Context, job pipeline.VerifyJob, cause error) error
	ValidateExhausted(ctx context.Context, job pipeline.ValidateJob, cause error) error
}

var _ Handler = (*pipeline.Processor)(nil)

// exhaustionTimeout bounds the terminal write made after the last attempt.
// The task's own context may already be past its deadline by then.
const exhaustionTimeout = 15 * time.Second

// Workers hosts one asynq server per queue so each queue gets its own
// concurrency.
type Workers struct {
	redis   asynq.RedisConnOpt
	cfg     Config
	handler Handler
}

// NewWorkers creates Workers.
func NewWorkers(redis asynq.RedisConnOpt, cfg Config, h Handler) *Workers {
	return &Workers{redis: redis, cfg: cfg, handler: h}
}

// lane is one queue's wiring.
type lane struct {
	queue     string
	taskType  string
	policy    Policy
	handle    asynq.HandlerFunc
	exhausted func(ctx context.Context, payload []byte, cause error) error
}

func (w *Workers) lanes() []lane {
	return []lane{
		{
			queue:    QueueVerify,
			taskType: TypeVerify,
			policy:   w.cfg.Verify,
			handle:   verifyHandler(w.handler),
			exhausted: func(ctx context.Context, payload []byte, cause error) error {
				var job pipeline.VerifyJob
				if err := json.Unmarshal(payload, &job); err != nil {
					return err
				}
				return w.handler.VerifyExhausted(ctx, job, cause)
			},
		},
		{
			queue:    QueueValidate,
			taskType: TypeValidate,
			policy:   w.cfg.Validate,
			handle:   validateHandler(w.handler),
			exhausted: func(ctx context.Context, payload []byte, cause error) error {
				var job pipeline.ValidateJob
				if err := json.Unmarshal(payload, &job); err != nil {
					return err
				}
				return w.handler.ValidateExhausted(ctx, job, cause)
			},
		},
	}
}

// Run starts both servers and blocks until ctx is cancelled or a server
// fails to start. Shutdown waits for in-flight tasks up to asynq's
// shutdown timeout.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range w.lanes() {
		logger := log.With().Str("queue", l.queue).Logger()
		srv := asynq.NewServer(w.redis, asynq.Config{
			Concurrency: l.policy.Concurrency,
			Queues:      map[string]int{l.queue: 1},
			RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
				return l.policy.Backoff(n)
			},
			ErrorHandler:    asynq.ErrorHandlerFunc(l.onError),
			Logger:          NewLogger(logger),
			LogLevel:        asynqLogLevel(zerolog.GlobalLevel()),
			ShutdownTimeout: 30 * time.Second,
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(l.taskType, l.handle)

		g.Go(func() error {
			if err := srv.Start(mux); err != nil {
				return fmt.Errorf("start %s worker: %w", l.queue, err)
			}
			logger.Info().Int("concurrency", l.policy.Concurrency).Msg("Worker started")
			<-ctx.Done()
			srv.Shutdown()
			logger.Info().Msg("Worker stopped")
			return nil
		})
	}
	return g.Wait()
}

func (l lane) onError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	l.handleFailure(ctx, taskID, task.Payload(), retried, maxRetry, err)
}

// handleFailure logs a failed attempt and, on the last one, runs the
// exhaustion hook so the record reaches a terminal status.
func (l lane) handleFailure(ctx context.Context, taskID string, payload []byte, retried, maxRetry int, err error) {
	logger := log.With().Str("queue", l.queue).Str("taskId", taskID).Int("retried", retried).Int("maxRetry", maxRetry).Logger()
	if !isFinalAttempt(retried, maxRetry, err) {
		logger.Warn().Err(err).Dur("backoff", l.policy.Backoff(retried)).Msg("Task failed, will retry")
		return
	}
	logger.Error().Err(err).Msg("Task failed permanently")

	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exhaustionTimeout)
	defer cancel()
	if herr := l.exhausted(hookCtx, payload, err); herr != nil {
		logger.Error().Err(herr).Msg("Exhaustion handler failed")
	}
}

// isFinalAttempt reports whether a failed attempt was the last one asynq
// will make.
func isFinalAttempt(retried, maxRetry int, err error) bool {
	return retried >= maxRetry || errors.Is(err, asynq.SkipRetry)
}

func verifyHandler(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var job pipeline.VerifyJob
		if err := decode(t, &job); err != nil {
			return err
		}
		if job.ImageID == "" {
			return fmt.Errorf("%s payload has no imageId: %w", t.Type(), asynq.SkipRetry)
		}
		return forQueue(h.HandleVerifyJob(ctx, job))
	}
}

func validateHandler(h Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var job pipeline.ValidateJob
		if err := decode(t, &job); err != nil {
			return err
		}
		if job.ImageID == "" {
			return fmt.Errorf("%s payload has no imageId: %w", t.Type(), asynq.SkipRetry)
		}
		return forQueue(h.HandleValidateJob(ctx, job))
	}
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// forQueue marks errors that retrying cannot fix so asynq archives the task
// immediately.
func forQueue(err error) error {
	if err == nil || apperr.Retryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

func asynqLogLevel(l zerolog.Level) asynq.LogLevel {
	switch {
	case l <= zerolog.DebugLevel:
		return asynq.DebugLevel
	case l == zerolog.InfoLevel:
		return asynq.InfoLevel
	case l == zerolog.WarnLevel:
		return asynq.WarnLevel
	default:
		return asynq.ErrorLevel
	}
}
