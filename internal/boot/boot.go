// Package boot provides the shared startup logic of the photo-intake
// binaries.
//
// Every binary needs some subset of: AWS config, the object store gateway,
// a record store, Redis, SSM secrets, and startup logging. The helpers here
// build those clients from a config.Config so each main is a short
// composition. Nothing is kept in package state; callers pass what they
// build to the components that use it.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/config"
	"github.com/fpang/photo-intake/internal/logging"
	"github.com/fpang/photo-intake/internal/queue"
	"github.com/fpang/photo-intake/internal/s3util"
	"github.com/fpang/photo-intake/internal/store"
)

// AWSClients holds the core AWS SDK clients used across binaries.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}, nil
}

// S3Options returns the client options for the configured object store.
// A custom endpoint (Cloudflare R2, MinIO) gets path-style addressing and
// the S3_REGION value; plain AWS S3 keeps the region from the AWS config.
func S3Options(cfg config.Config) func(*s3.Options) {
	return func(o *s3.Options) {
		if cfg.S3Endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		o.UsePathStyle = true
		o.Region = cfg.S3Region
	}
}

// InitS3 creates the object store gateway for the upload bucket.
func InitS3(awsCfg aws.Config, cfg config.Config) *s3util.Gateway {
	client := s3.NewFromConfig(awsCfg, S3Options(cfg))
	return s3util.NewGateway(client, s3.NewPresignClient(client), cfg.S3Bucket)
}

// OpenStore opens the record store selected by cfg.StoreDriver. The
// returned close function releases the backend and is never nil.
func OpenStore(ctx context.Context, awsCfg aws.Config, cfg config.Config) (store.RecordStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreDriver {
	case config.DriverDynamo:
		return store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable), noop, nil
	case config.DriverSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.DriverDataAPI:
		s := store.NewDataAPIStore(rdsdata.NewFromConfig(awsCfg), cfg.DataAPIResourceARN, cfg.DataAPISecretARN, cfg.DataAPIDatabase)
		return s, noop, nil
	case config.DriverMemory:
		log.Warn().Msg("Using the in-memory record store; records are lost on exit")
		return store.NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// StoreLabel describes the store backend for the startup log.
func StoreLabel(cfg config.Config) string {
	switch cfg.StoreDriver {
	case config.DriverDynamo:
		return cfg.DynamoTable
	case config.DriverSQLite:
		return cfg.SQLitePath
	case config.DriverDataAPI:
		return cfg.DataAPIResourceARN + "/" + cfg.DataAPIDatabase
	default:
		return cfg.StoreDriver
	}
}

// SSMAPI is the SSM call LoadSecret makes.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret reads a SecureString parameter from SSM Parameter Store.
// Only the parameter name is logged, never the value.
func LoadSecret(ctx context.Context, client SSMAPI, name string) (string, error) {
	start := time.Now()
	result, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", name, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %s has no value", name)
	}
	log.Debug().Str("param", name).Dur("elapsed", time.Since(start)).Msg("Secret loaded from SSM")
	return *result.Parameter.Value, nil
}

// RedisPassword resolves the Redis password: REDIS_PASSWORD wins, then the
// SSM parameter named by REDIS_PASSWORD_PARAM, then none.
func RedisPassword(ctx context.Context, client SSMAPI, cfg config.Config) (string, error) {
	if cfg.RedisPassword != "" || cfg.RedisPasswordParam == "" {
		return cfg.RedisPassword, nil
	}
	return LoadSecret(ctx, client, cfg.RedisPasswordParam)
}

// Redis holds the two views of the same Redis deployment: connection
// options for asynq and a go-redis client for health checks.
type Redis struct {
	Opt    asynq.RedisClientOpt
	Client *redis.Client
}

// InitRedis builds the Redis connections. It does not dial; call Ping to
// check reachability.
func InitRedis(cfg config.Config, password string) Redis {
	return Redis{
		Opt: asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: password,
			DB:       cfg.RedisDB,
		},
		Client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: password,
			DB:       cfg.RedisDB,
		}),
	}
}

// Ping checks that Redis answers.
func (r Redis) Ping(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", r.Opt.Addr, err)
	}
	return nil
}

// StartupSummary describes a process wired from cfg for the startup log.
func StartupSummary(name string, cfg config.Config, tagging bool, initStart time.Time) logging.Startup {
	summary := logging.Startup{
		Binary:         name,
		Bucket:         cfg.S3Bucket,
		S3Endpoint:     cfg.S3Endpoint,
		StoreDriver:    cfg.StoreDriver,
		StoreLocation:  StoreLabel(cfg),
		RedisAddr:      cfg.RedisAddr,
		EventBus:       cfg.EventBusName,
		ObjectTagging:  tagging,
		MaxUploadSize:  cfg.MaxUploadSize,
		VerifyAttempts: cfg.Pipeline.MaxVerificationAttempts,
		VerifyDelay:    cfg.Pipeline.VerificationDelay,
		Queues: []logging.QueueSummary{
			queueSummary(queue.QueueVerify, cfg.Queue.Verify),
			queueSummary(queue.QueueValidate, cfg.Queue.Validate),
		},
		InitDuration: time.Since(initStart),
	}
	if cfg.RedisPasswordParam != "" && cfg.RedisPassword == "" {
		summary.SecretParams = append(summary.SecretParams, cfg.RedisPasswordParam)
	}
	return summary
}

func queueSummary(name string, p queue.Policy) logging.QueueSummary {
	return logging.QueueSummary{Name: name, Concurrency: p.Concurrency, MaxAttempts: p.MaxAttempts, Timeout: p.Timeout}
}
