package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Startup is the one-line summary a photo-intake process logs once it is
// wired: where uploads live, which record store it talks to, and how its
// queues are sized. Secrets never appear here; SecretParams lists SSM
// parameter names only.
type Startup struct {
	Binary string

	Bucket     string
	S3Endpoint string // empty for AWS S3

	StoreDriver   string
	StoreLocation string // table, file or cluster ARN

	RedisAddr    string
	Queues       []QueueSummary
	EventBus     string
	SecretParams []string

	ObjectTagging bool

	MaxUploadSize  int64
	VerifyAttempts int
	VerifyDelay    time.Duration

	InitDuration time.Duration
}

// QueueSummary is one queue's capacity and retry budget.
type QueueSummary struct {
	Name        string
	Concurrency int
	MaxAttempts int
	Timeout     time.Duration
}

// Log emits the summary at info level on the global logger.
func (s Startup) Log() {
	s.LogTo(log.Logger)
}

// LogTo emits the summary on l.
func (s Startup) LogTo(l zerolog.Logger) {
	evt := l.Info().
		Dict("process", s.process()).
		Dict("storage", s.storage())

	if len(s.Queues) > 0 || s.RedisAddr != "" {
		queues := zerolog.Arr()
		for _, q := range s.Queues {
			queues = queues.Dict(zerolog.Dict().
				Str("name", q.Name).
				Int("concurrency", q.Concurrency).
				Int("maxAttempts", q.MaxAttempts).
				Dur("timeout", q.Timeout))
		}
		evt = evt.Dict("queue", zerolog.Dict().
			Str("redis", s.RedisAddr).
			Array("queues", queues))
	}

	evt = evt.Dict("pipeline", zerolog.Dict().
		Int64("maxUploadSize", s.MaxUploadSize).
		Int("verifyAttempts", s.VerifyAttempts).
		Dur("verifyDelay", s.VerifyDelay).
		Bool("objectTagging", s.ObjectTagging).
		Bool("events", s.EventBus != ""))

	if s.EventBus != "" {
		evt = evt.Str("eventBus", s.EventBus)
	}
	if len(s.SecretParams) > 0 {
		evt = evt.Strs("ssmParams", s.SecretParams)
	}
	if s.InitDuration > 0 {
		evt = evt.Dur("initDuration", s.InitDuration)
	}
	evt.Msg("Startup complete")
}

// process describes the binary and, inside Lambda, the function running it.
func (s Startup) process() *zerolog.Event {
	d := zerolog.Dict().
		Str("binary", s.Binary).
		Str("goVersion", runtime.Version()).
		Str("logLevel", zerolog.GlobalLevel().String())
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		d = d.Str("function", fn).
			Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
			Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"))
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		d = d.Str("region", region)
	}
	return d
}

func (s Startup) storage() *zerolog.Event {
	d := zerolog.Dict().
		Str("bucket", s.Bucket).
		Str("store", s.StoreDriver)
	if s.StoreLocation != "" {
		d = d.Str("location", s.StoreLocation)
	}
	if s.S3Endpoint != "" {
		d = d.Str("endpoint", s.S3Endpoint)
	}
	return d
}
