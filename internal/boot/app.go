package boot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/config"
	"github.com/fpang/photo-intake/internal/events"
	"github.com/fpang/photo-intake/internal/metrics"
	"github.com/fpang/photo-intake/internal/pipeline"
	"github.com/fpang/photo-intake/internal/queue"
	"github.com/fpang/photo-intake/internal/s3util"
	"github.com/fpang/photo-intake/internal/store"
	"github.com/fpang/photo-intake/internal/validation"
)

// App is the fully wired pipeline of one process.
type App struct {
	Config    config.Config
	AWS       AWSClients
	Store     store.RecordStore
	Gateway   *s3util.Gateway
	Engine    *validation.Engine
	Redis     Redis
	Queue     *queue.Client
	Processor *pipeline.Processor
	Metrics   *metrics.Emitter

	closers []func() error
}

// Init loads the configuration from the environment and wires an App.
// name identifies the binary in the startup log.
func Init(ctx context.Context, name string) (*App, error) {
	start := time.Now()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(ctx, name, cfg, start)
}

// New wires an App from cfg.
func New(ctx context.Context, name string, cfg config.Config, start time.Time) (*App, error) {
	clients, err := InitAWS(ctx)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, AWS: clients, Metrics: metricsEmitter()}

	st, closeStore, err := OpenStore(ctx, clients.Config, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	app.Store = st
	app.closers = append(app.closers, closeStore)

	password, err := RedisPassword(ctx, clients.SSM, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Redis = InitRedis(cfg, password)
	app.closers = append(app.closers, app.Redis.Client.Close)

	tasks := asynq.NewClient(app.Redis.Opt)
	app.closers = append(app.closers, tasks.Close)
	inspector := asynq.NewInspector(app.Redis.Opt)
	app.closers = append(app.closers, inspector.Close)
	app.Queue = queue.NewClient(tasks, cfg.Queue, queue.WithInspector(inspector))

	app.Gateway = InitS3(clients.Config, cfg)
	app.Engine = validation.NewEngine(cfg.Validation, s3util.ObjectReader{Gateway: app.Gateway}, st)

	// R2 and most S3-compatible stores do not implement object tagging.
	tagging := cfg.S3Endpoint == ""
	var notifiers pipeline.Notifiers
	if tagging {
		notifiers = append(notifiers, s3util.StatusTagger{Gateway: app.Gateway})
	}
	if cfg.EventBusName != "" {
		notifiers = append(notifiers, events.NewPublisher(eventbridge.NewFromConfig(clients.Config), cfg.EventBusName))
	}

	app.Processor = pipeline.New(pipeline.Deps{
		Store:     st,
		Gateway:   app.Gateway,
		Validator: app.Engine,
		Enqueuer:  app.Queue,
		Requeuer:  app.Queue,
		Notifier:  notifiers,
		Metrics:   app.Metrics,
	}, cfg.Pipeline)

	StartupSummary(name, cfg, tagging, start).Log()

	return app, nil
}

// Close releases every connection the App opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Errors while closing connections")
		return err
	}
	return nil
}

// metricsEmitter writes EMF lines to stdout inside Lambda, where CloudWatch
// extracts them. Elsewhere metrics are dropped.
func metricsEmitter() *metrics.Emitter {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") == "" {
		return metrics.Discard()
	}
	return metrics.NewEmitter(metrics.Namespace, os.Stdout)
}
