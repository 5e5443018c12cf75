// Package api is the HTTP surface of the intake pipeline: it issues upload
// slots, accepts upload-complete notifications, and serves image records.
//
// Routes:
//
//	POST /api/uploads/sign      create a record and presign the upload
//	POST /api/uploads/complete  start verification (202)
//	GET  /api/images            list records, newest first
//	GET  /api/images/{id}       one record
//	GET  /api/health            store and Redis reachability
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fpang/photo-intake/internal/metrics"
	"github.com/fpang/photo-intake/internal/pipeline"
	"github.com/fpang/photo-intake/internal/s3util"
	"github.com/fpang/photo-intake/internal/store"
)

// Uploads issues and resolves object store URLs.
type Uploads interface {
	IssueUploadSlot(ctx context.Context, key, contentType string, size int64, expiry time.Duration) (s3util.UploadSlot, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Verifier starts the verification pipeline for an uploaded image.
type Verifier interface {
	InitiateVerification(ctx context.Context, id string) (pipeline.InitiateResult, error)
}

// Pinger is a health-checked dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config bounds what clients may upload.
type Config struct {
	MaxUploadSize int64
	PresignExpiry time.Duration
	// ViewExpiry is the lifetime of the GET URL attached to accepted images.
	ViewExpiry time.Duration
}

// Deps are the collaborators of a Server. Redis and Metrics are optional.
type Deps struct {
	Store    store.RecordStore
	Uploads  Uploads
	Verifier Verifier
	Redis    Pinger
	Metrics  *metrics.Emitter
}

// Server holds the handlers' dependencies.
type Server struct {
	store    store.RecordStore
	uploads  Uploads
	verifier Verifier
	redis    Pinger
	metrics  *metrics.Emitter
	cfg      Config

	newID func() string
	now   func() time.Time
}

// New creates a Server.
func New(deps Deps, cfg Config) *Server {
	if cfg.ViewExpiry <= 0 {
		cfg.ViewExpiry = 15 * time.Minute
	}
	s := &Server{
		store:    deps.Store,
		uploads:  deps.Uploads,
		verifier: deps.Verifier,
		redis:    deps.Redis,
		metrics:  deps.Metrics,
		cfg:      cfg,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.metrics == nil {
		s.metrics = metrics.Discard()
	}
	return s
}

// Handler returns the routed handler with logging, metrics and panic
// recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/uploads/sign", s.handleSign)
	mux.HandleFunc("POST /api/uploads/complete", s.handleComplete)
	mux.HandleFunc("GET /api/images", s.handleList)
	mux.HandleFunc("GET /api/images/{id}", s.handleGet)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	return withRecover(s.withMetrics(withRequestLog(mux)))
}
