package config

import (
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(envMap(nil))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"bucket", cfg.S3Bucket, "aragon-uploads"},
		{"region", cfg.S3Region, "auto"},
		{"driver", cfg.StoreDriver, DriverDynamo},
		{"table", cfg.DynamoTable, "photo-intake-images"},
		{"redis", cfg.RedisAddr, "127.0.0.1:6379"},
		{"max upload", cfg.MaxUploadSize, int64(8_000_000)},
		{"presign expiry", cfg.PresignExpiry, 300 * time.Second},
		{"min file", cfg.Validation.MinFileBytes, int64(51200)},
		{"validation max follows upload max", cfg.Validation.MaxFileBytes, int64(8_000_000)},
		{"min width", cfg.Validation.MinWidth, 400},
		{"phash threshold", cfg.Validation.HashThreshold, 10},
		{"attempts", cfg.Pipeline.MaxVerificationAttempts, 3},
		{"delay", cfg.Pipeline.VerificationDelay, 5 * time.Second},
		{"tolerance", cfg.Pipeline.SizeTolerance, 0.02},
		{"verify concurrency", cfg.Queue.Verify.Concurrency, 20},
		{"validate concurrency", cfg.Queue.Validate.Concurrency, 5},
		{"verify attempts", cfg.Queue.Verify.MaxAttempts, 3},
		{"verify backoff", cfg.Queue.Verify.BackoffBase, 2 * time.Second},
		{"verify timeout", cfg.Queue.Verify.Timeout, 2 * time.Minute},
		{"validate attempts", cfg.Queue.Validate.MaxAttempts, 2},
		{"validate backoff", cfg.Queue.Validate.BackoffBase, 5 * time.Second},
		{"validate timeout", cfg.Queue.Validate.Timeout, 5 * time.Minute},
		{"task retention", cfg.Queue.Retention, time.Hour},
		{"http addr", cfg.HTTPAddr, ":8080"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{
		"STORE_DRIVER":                "SQLite",
		"SQLITE_PATH":                 "/tmp/x.db",
		"MAX_UPLOAD_SIZE_BYTES":       "10000000",
		"VERIFICATION_RETRY_DELAY_MS": "250",
		"BLUR_THRESHOLD":              "12.5",
		"VALIDATE_CONCURRENCY":        "2",
		"VERIFY_MAX_ATTEMPTS":         "5",
		"VERIFY_BACKOFF_MS":           "500",
		"VALIDATE_TIMEOUT_SECONDS":    "90",
		"TASK_RETENTION_SECONDS":      "0",
	}))
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.StoreDriver != DriverSQLite || cfg.SQLitePath != "/tmp/x.db" {
		t.Errorf("store = %s %s", cfg.StoreDriver, cfg.SQLitePath)
	}
	if cfg.Validation.MaxFileBytes != 10_000_000 {
		t.Errorf("MaxFileBytes = %d", cfg.Validation.MaxFileBytes)
	}
	if cfg.Pipeline.VerificationDelay != 250*time.Millisecond {
		t.Errorf("VerificationDelay = %v", cfg.Pipeline.VerificationDelay)
	}
	if cfg.Validation.BlurThreshold != 12.5 {
		t.Errorf("BlurThreshold = %v", cfg.Validation.BlurThreshold)
	}
	if cfg.Queue.Validate.Concurrency != 2 || cfg.Queue.Verify.Concurrency != 20 {
		t.Errorf("concurrency = %d/%d", cfg.Queue.Verify.Concurrency, cfg.Queue.Validate.Concurrency)
	}
	if cfg.Queue.Verify.MaxAttempts != 5 || cfg.Queue.Verify.BackoffBase != 500*time.Millisecond {
		t.Errorf("verify policy = %+v", cfg.Queue.Verify)
	}
	if cfg.Queue.Verify.Timeout != 2*time.Minute {
		t.Errorf("verify timeout = %v, want the 2m default", cfg.Queue.Verify.Timeout)
	}
	if cfg.Queue.Validate.Timeout != 90*time.Second || cfg.Queue.Validate.MaxAttempts != 2 {
		t.Errorf("validate policy = %+v", cfg.Queue.Validate)
	}
	if cfg.Queue.Retention != 0 {
		t.Errorf("Retention = %v, want 0", cfg.Queue.Retention)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg []string
	}{
		{
			name:    "malformed numbers are all reported",
			env:     map[string]string{"REDIS_DB": "one", "SIZE_TOLERANCE": "2%"},
			wantMsg: []string{"REDIS_DB", "SIZE_TOLERANCE"},
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "mongo"},
			wantMsg: []string{"STORE_DRIVER"},
		},
		{
			name:    "dataapi needs arns",
			env:     map[string]string{"STORE_DRIVER": "dataapi"},
			wantMsg: []string{"DATAAPI_RESOURCE_ARN"},
		},
		{
			name:    "min above max",
			env:     map[string]string{"MIN_FILE_SIZE_BYTES": "9000000"},
			wantMsg: []string{"MIN_FILE_SIZE_BYTES"},
		},
		{
			name:    "zero attempts",
			env:     map[string]string{"MAX_VERIFICATION_ATTEMPTS": "0"},
			wantMsg: []string{"MAX_VERIFICATION_ATTEMPTS"},
		},
		{
			name: "bad queue policies",
			env: map[string]string{
				"VERIFY_MAX_ATTEMPTS":      "0",
				"VALIDATE_BACKOFF_MS":      "-1",
				"VALIDATE_TIMEOUT_SECONDS": "0",
				"VERIFY_CONCURRENCY":       "0",
			},
			wantMsg: []string{"VERIFY_MAX_ATTEMPTS", "VALIDATE_BACKOFF_MS", "VALIDATE_TIMEOUT_SECONDS", "VERIFY_CONCURRENCY"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(envMap(tt.env))
			if err == nil {
				t.Fatal("LoadFrom() error = nil, want error")
			}
			for _, msg := range tt.wantMsg {
				if !strings.Contains(err.Error(), msg) {
					t.Errorf("error %q does not mention %s", err, msg)
				}
			}
		})
	}
}
