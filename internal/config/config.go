// Package config loads process configuration from the environment. Every
// setting has a default; a malformed value is an error rather than being
// silently replaced.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/photo-intake/internal/pipeline"
	"github.com/fpang/photo-intake/internal/queue"
	"github.com/fpang/photo-intake/internal/validation"
)

// Store drivers.
const (
	DriverDynamo  = "dynamodb"
	DriverSQLite  = "sqlite"
	DriverDataAPI = "dataapi"
	DriverMemory  = "memory"
)

// Config is the full process configuration.
type Config struct {
	S3Bucket   string
	S3Region   string
	S3Endpoint string

	StoreDriver        string
	DynamoTable        string
	SQLitePath         string
	DataAPIResourceARN string
	DataAPISecretARN   string
	DataAPIDatabase    string

	RedisAddr          string
	RedisPassword      string
	RedisPasswordParam string
	RedisDB            int

	EventBusName string

	MaxUploadSize int64
	PresignExpiry time.Duration
	HTTPAddr      string

	Validation validation.Config
	Pipeline   pipeline.Config
	Queue      queue.Config
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (Config, error) {
	e := env{get: getenv}
	vdef := validation.DefaultConfig()
	qdef := queue.DefaultConfig()

	cfg := Config{
		S3Bucket:   e.str("S3_BUCKET", "aragon-uploads"),
		S3Region:   e.str("S3_REGION", "auto"),
		S3Endpoint: e.str("S3_ENDPOINT", ""),

		StoreDriver:        strings.ToLower(e.str("STORE_DRIVER", DriverDynamo)),
		DynamoTable:        e.str("DYNAMO_TABLE_NAME", "photo-intake-images"),
		SQLitePath:         e.str("SQLITE_PATH", "photo-intake.db"),
		DataAPIResourceARN: e.str("DATAAPI_RESOURCE_ARN", ""),
		DataAPISecretARN:   e.str("DATAAPI_SECRET_ARN", ""),
		DataAPIDatabase:    e.str("DATAAPI_DATABASE", "photo_intake"),

		RedisAddr:          e.str("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      e.str("REDIS_PASSWORD", ""),
		RedisPasswordParam: e.str("REDIS_PASSWORD_PARAM", ""),
		RedisDB:            e.integer("REDIS_DB", 0),

		EventBusName: e.str("EVENT_BUS_NAME", ""),

		MaxUploadSize: e.integer64("MAX_UPLOAD_SIZE_BYTES", vdef.MaxFileBytes),
		PresignExpiry: time.Duration(e.integer("PRESIGNED_URL_EXPIRY_SECONDS", 300)) * time.Second,
		HTTPAddr:      e.str("HTTP_ADDR", ":8080"),
	}

	cfg.Validation = validation.Config{
		MinFileBytes:    e.integer64("MIN_FILE_SIZE_BYTES", vdef.MinFileBytes),
		MaxFileBytes:    cfg.MaxUploadSize,
		MinWidth:        e.integer("MIN_WIDTH", vdef.MinWidth),
		MinHeight:       e.integer("MIN_HEIGHT", vdef.MinHeight),
		HashThreshold:   e.integer("PHASH_THRESHOLD", vdef.HashThreshold),
		BlurThreshold:   e.number("BLUR_THRESHOLD", vdef.BlurThreshold),
		MinFaceFraction: e.number("MIN_FACE_FRACTION", vdef.MinFaceFraction),
	}

	cfg.Pipeline = pipeline.Config{
		MaxVerificationAttempts: e.integer("MAX_VERIFICATION_ATTEMPTS", 3),
		VerificationDelay:       time.Duration(e.integer("VERIFICATION_RETRY_DELAY_MS", 5000)) * time.Millisecond,
		SizeTolerance:           e.number("SIZE_TOLERANCE", 0.02),
	}

	cfg.Queue = queue.Config{
		Verify:    e.policy("VERIFY", qdef.Verify),
		Validate:  e.policy("VALIDATE", qdef.Validate),
		Retention: time.Duration(e.integer("TASK_RETENTION_SECONDS", int(qdef.Retention/time.Second))) * time.Second,
	}

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverDynamo:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("DYNAMO_TABLE_NAME is required for the dynamodb driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverDataAPI:
		if c.DataAPIResourceARN == "" || c.DataAPISecretARN == "" {
			errs = append(errs, errors.New("DATAAPI_RESOURCE_ARN and DATAAPI_SECRET_ARN are required for the dataapi driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of dynamodb, sqlite, dataapi, memory", c.StoreDriver))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_SIZE_BYTES must be positive"))
	}
	if c.Validation.MinFileBytes > c.Validation.MaxFileBytes {
		errs = append(errs, errors.New("MIN_FILE_SIZE_BYTES exceeds MAX_UPLOAD_SIZE_BYTES"))
	}
	if c.Pipeline.MaxVerificationAttempts < 1 {
		errs = append(errs, errors.New("MAX_VERIFICATION_ATTEMPTS must be at least 1"))
	}
	if c.Pipeline.SizeTolerance < 0 {
		errs = append(errs, errors.New("SIZE_TOLERANCE cannot be negative"))
	}
	policies := []struct {
		name string
		p    queue.Policy
	}{{"VERIFY", c.Queue.Verify}, {"VALIDATE", c.Queue.Validate}}
	for _, q := range policies {
		name, p := q.name, q.p
		if p.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s_MAX_ATTEMPTS must be at least 1", name))
		}
		if p.BackoffBase <= 0 {
			errs = append(errs, fmt.Errorf("%s_BACKOFF_MS must be positive", name))
		}
		if p.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("%s_CONCURRENCY must be at least 1", name))
		}
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s_TIMEOUT_SECONDS must be positive", name))
		}
	}
	if c.Queue.Retention < 0 {
		errs = append(errs, errors.New("TASK_RETENTION_SECONDS cannot be negative"))
	}
	return errors.Join(errs...)
}

// env reads typed values and collects parse errors so one Load reports
// every bad variable at once.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) integer64(key string, def int64) int64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

// policy reads <PREFIX>_MAX_ATTEMPTS, _BACKOFF_MS, _CONCURRENCY and
// _TIMEOUT_SECONDS over def.
func (e *env) policy(prefix string, def queue.Policy) queue.Policy {
	return queue.Policy{
		MaxAttempts: e.integer(prefix+"_MAX_ATTEMPTS", def.MaxAttempts),
		BackoffBase: time.Duration(e.integer(prefix+"_BACKOFF_MS", int(def.BackoffBase/time.Millisecond))) * time.Millisecond,
		Concurrency: e.integer(prefix+"_CONCURRENCY", def.Concurrency),
		Timeout:     time.Duration(e.integer(prefix+"_TIMEOUT_SECONDS", int(def.Timeout/time.Second))) * time.Second,
	}
}

func (e *env) number(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return def
	}
	return f
}
