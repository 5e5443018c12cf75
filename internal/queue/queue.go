// Package queue moves pipeline work through two Redis-backed asynq queues.
//
// Verification is network bound and cheap, validation is CPU and memory
// bound, so they run on separate queues with separate concurrency. Tasks
// carry a deterministic ID per image, which makes every enqueue idempotent:
// handing off the same image twice while a task is pending or retained is
// a no-op. Requeues are the exception: they clear an archived or completed
// task first so an operator can run the image again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/pipeline"
)

// Task types and queue names.
const (
	TypeVerify   = "photo:verify"
	TypeValidate = "photo:validate"

	QueueVerify   = "verify-upload"
	QueueValidate = "validate-image"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 10 * time.Minute

// Policy is the retry and capacity budget of one queue.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	Concurrency int
	Timeout     time.Duration
}

// Backoff returns the delay before retry number retried+1: base·2^retried.
func (p Policy) Backoff(retried int) time.Duration {
	if retried < 0 {
		retried = 0
	}
	if retried > 16 {
		return maxBackoff
	}
	d := p.BackoffBase << retried
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (p Policy) maxRetry() int {
	if p.MaxAttempts < 1 {
		return 0
	}
	return p.MaxAttempts - 1
}

// Config holds both queue policies.
type Config struct {
	Verify   Policy
	Validate Policy
	// Retention keeps completed task IDs around so late duplicates are
	// rejected as conflicts.
	Retention time.Duration
}

// DefaultConfig returns the production policies.
func DefaultConfig() Config {
	return Config{
		Verify:    Policy{MaxAttempts: 3, BackoffBase: 2 * time.Second, Concurrency: 20, Timeout: 2 * time.Minute},
		Validate:  Policy{MaxAttempts: 2, BackoffBase: 5 * time.Second, Concurrency: 5, Timeout: 5 * time.Minute},
		Retention: time.Hour,
	}
}

// TaskEnqueuer is the slice of *asynq.Client the Client uses.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ TaskEnqueuer = (*asynq.Client)(nil)

// TaskInspector is the slice of *asynq.Inspector a requeue needs to clear a
// finished task that still holds the image's task ID.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

var _ TaskInspector = (*asynq.Inspector)(nil)

// Client enqueues pipeline jobs. It implements pipeline.Enqueuer and
// pipeline.Requeuer.
type Client struct {
	tasks     TaskEnqueuer
	inspector TaskInspector
	cfg       Config
}

var (
	_ pipeline.Enqueuer = (*Client)(nil)
	_ pipeline.Requeuer = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithInspector lets requeues delete archived or completed tasks that
// would otherwise block the task ID.
func WithInspector(i TaskInspector) ClientOption {
	return func(c *Client) { c.inspector = i }
}

// NewClient creates a Client.
func NewClient(tasks TaskEnqueuer, cfg Config, opts ...ClientOption) *Client {
	c := &Client{tasks: tasks, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnqueueVerify queues a verify task for the image.
func (c *Client) EnqueueVerify(ctx context.Context, job pipeline.VerifyJob) error {
	return c.enqueue(ctx, TypeVerify, QueueVerify, verifyTaskID(job.ImageID), job, c.cfg.Verify)
}

// EnqueueValidate queues a validate task for the image.
func (c *Client) EnqueueValidate(ctx context.Context, job pipeline.ValidateJob) error {
	return c.enqueue(ctx, TypeValidate, QueueValidate, validateTaskID(job.ImageID), job, c.cfg.Validate)
}

// RequeueVerify re-dispatches a verify task. An archived or completed task
// with the same ID is deleted first. A task that is still pending, retrying
// or running is left to finish.
func (c *Client) RequeueVerify(ctx context.Context, job pipeline.VerifyJob) error {
	return c.requeue(ctx, TypeVerify, QueueVerify, verifyTaskID(job.ImageID), job, c.cfg.Verify)
}

// RequeueValidate is RequeueVerify for the validate queue.
func (c *Client) RequeueValidate(ctx context.Context, job pipeline.ValidateJob) error {
	return c.requeue(ctx, TypeValidate, QueueValidate, validateTaskID(job.ImageID), job, c.cfg.Validate)
}

func verifyTaskID(imageID string) string   { return "verify:" + imageID }
func validateTaskID(imageID string) string { return "validate:" + imageID }

func isConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

func (c *Client) enqueue(ctx context.Context, taskType, queue, taskID string, payload any, p Policy) error {
	const op = "queue.Enqueue"
	info, err := c.submit(ctx, taskType, queue, taskID, payload, p)
	if isConflict(err) {
		log.Debug().Str("taskId", taskID).Str("queue", queue).Msg("Task already queued")
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindExternalService, op, fmt.Errorf("enqueue %s: %w", taskID, err))
	}
	log.Debug().Str("taskId", info.ID).Str("queue", info.Queue).Int("maxRetry", info.MaxRetry).Msg("Task enqueued")
	return nil
}

func (c *Client) requeue(ctx context.Context, taskType, queue, taskID string, payload any, p Policy) error {
	const op = "queue.Requeue"
	logger := log.With().Str("taskId", taskID).Str("queue", queue).Logger()

	if c.inspector != nil {
		info, err := c.inspector.GetTaskInfo(queue, taskID)
		switch {
		case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return apperr.Wrap(apperr.KindExternalService, op, fmt.Errorf("inspect %s: %w", taskID, err))
		case info.State == asynq.TaskStateArchived || info.State == asynq.TaskStateCompleted:
			if err := c.inspector.DeleteTask(queue, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
				return apperr.Wrap(apperr.KindExternalService, op, fmt.Errorf("delete %s task %s: %w", info.State, taskID, err))
			}
			logger.Info().Str("state", info.State.String()).Msg("Cleared finished task before requeue")
		default:
			logger.Info().Str("state", info.State.String()).Msg("Task still in flight, not requeued")
			return nil
		}
	}

	info, err := c.submit(ctx, taskType, queue, taskID, payload, p)
	if isConflict(err) {
		return apperr.Wrap(apperr.KindStateTransition, op, fmt.Errorf("task %s is still held by the queue: %w", taskID, err))
	}
	if err != nil {
		return apperr.Wrap(apperr.KindExternalService, op, fmt.Errorf("enqueue %s: %w", taskID, err))
	}
	logger.Info().Int("maxRetry", info.MaxRetry).Msg("Task requeued")
	return nil
}

func (c *Client) submit(ctx context.Context, taskType, queue, taskID string, payload any, p Policy) (*asynq.TaskInfo, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", taskType, err)
	}

	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(p.maxRetry()),
		asynq.Timeout(p.Timeout),
	}
	if c.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(c.cfg.Retention))
	}
	return c.tasks.EnqueueContext(ctx, asynq.NewTask(taskType, b), opts...)
}
