// Package store holds the image record model and the persistence contract
// the intake pipeline is built on.
//
// One record exists per uploaded photo. Records move through a fixed
// lifecycle (AWAITING_UPLOAD -> VERIFYING -> PROCESSING -> terminal) and
// every status change is a conditional write: "set status = NEW where
// id = X and status IN (OLD...)". That compare-and-swap is the only
// concurrency primitive the pipeline uses; a write that matches zero rows
// means the caller lost a race, which is reported as false, not as an
// error.
//
// Backends: DynamoDB (DynamoStore), SQLite (SQLiteStore), Aurora via the
// RDS Data API (DataAPIStore), and an in-process MemoryStore.
package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/fpang/photo-intake/internal/apperr"
)

// Status is the lifecycle state of an image record. The string values are
// persisted and wire-visible.
type Status string

const (
	StatusAwaitingUpload Status = "AWAITING_UPLOAD"
	StatusVerifying      Status = "VERIFYING"
	StatusProcessing     Status = "PROCESSING"
	StatusAccepted       Status = "ACCEPTED"
	StatusRejected       Status = "REJECTED"
	StatusUploadFailed   Status = "UPLOAD_FAILED"
)

// AllStatuses lists every defined status in lifecycle order.
var AllStatuses = []Status{
	StatusAwaitingUpload, StatusVerifying, StatusProcessing,
	StatusAccepted, StatusRejected, StatusUploadFailed,
}

// Terminal reports whether no further pipeline transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusUploadFailed
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// ParseStatus converts a string to a Status, rejecting unknown values.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// transitions is the table of legal status edges.
var transitions = map[Status][]Status{
	StatusAwaitingUpload: {StatusVerifying},
	StatusVerifying:      {StatusProcessing, StatusUploadFailed, StatusRejected},
	StatusProcessing:     {StatusAccepted, StatusRejected, StatusUploadFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Reason is a rejection reason code, persisted and wire-visible.
type Reason string

const (
	ReasonInvalidFormat            Reason = "INVALID_FORMAT"
	ReasonFileTooSmall             Reason = "FILE_TOO_SMALL"
	ReasonResolutionTooLow         Reason = "RESOLUTION_TOO_LOW"
	ReasonDuplicateImage           Reason = "DUPLICATE_IMAGE"
	ReasonImageTooBlurry           Reason = "IMAGE_TOO_BLURRY"
	ReasonFaceTooSmall             Reason = "FACE_TOO_SMALL"
	ReasonMultipleFaces            Reason = "MULTIPLE_FACES"
	ReasonUploadVerificationFailed Reason = "UPLOAD_VERIFICATION_FAILED"
	ReasonFileSizeMismatch         Reason = "FILE_SIZE_MISMATCH"
	ReasonProcessingError          Reason = "PROCESSING_ERROR"
	ReasonVerificationError        Reason = "VERIFICATION_ERROR"
)

// Analysis holds the measurements taken by the validation engine. It is
// attached to a record only by the terminal ACCEPTED/REJECTED write and is
// never present on UPLOAD_FAILED records.
type Analysis struct {
	Width        int     `json:"width" dynamodbav:"width"`
	Height       int     `json:"height" dynamodbav:"height"`
	MeasuredSize int64   `json:"measuredSize" dynamodbav:"measuredSize"`
	PHash        string  `json:"phash" dynamodbav:"phash"`
	BlurScore    float64 `json:"blurScore" dynamodbav:"blurScore"`
	FaceCount    int     `json:"faceCount" dynamodbav:"faceCount"`
	FaceFraction float64 `json:"faceFraction" dynamodbav:"faceFraction"`
	Camera       string  `json:"camera,omitempty" dynamodbav:"camera,omitempty"`
}

// Image is one uploaded photo and its position in the intake lifecycle.
type Image struct {
	ID           string `json:"id" dynamodbav:"id"`
	Key          string `json:"key" dynamodbav:"storageKey"`
	OriginalName string `json:"originalName" dynamodbav:"originalName"`
	MimeType     string `json:"mimeType" dynamodbav:"mimeType"`
	DeclaredSize int64  `json:"declaredSize" dynamodbav:"declaredSize"`
	Status       Status `json:"status" dynamodbav:"status"`

	VerificationAttempts int        `json:"verificationAttempts" dynamodbav:"verificationAttempts"`
	LastVerificationAt   *time.Time `json:"lastVerificationAt,omitempty" dynamodbav:"lastVerificationAt,omitempty"`
	UploadCompletedAt    *time.Time `json:"uploadCompletedAt,omitempty" dynamodbav:"uploadCompletedAt,omitempty"`
	ProcessedAt          *time.Time `json:"processedAt,omitempty" dynamodbav:"processedAt,omitempty"`

	Analysis         *Analysis `json:"analysis,omitempty" dynamodbav:"analysis,omitempty"`
	RejectionReasons []Reason  `json:"rejectionReasons" dynamodbav:"rejectionReasons"`

	CreatedAt time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	c := *img
	c.LastVerificationAt = cloneTime(img.LastVerificationAt)
	c.UploadCompletedAt = cloneTime(img.UploadCompletedAt)
	c.ProcessedAt = cloneTime(img.ProcessedAt)
	if img.Analysis != nil {
		a := *img.Analysis
		c.Analysis = &a
	}
	c.RejectionReasons = slices.Clone(img.RejectionReasons)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Change describes one status transition and the fields written with it.
// Nil fields are left untouched.
type Change struct {
	To                Status
	Reasons           []Reason
	Analysis          *Analysis
	UploadCompletedAt *time.Time
	ProcessedAt       *time.Time
}

// apply writes the change onto img. Callers hold whatever lock guards img.
func (c Change) apply(img *Image, now time.Time) {
	img.Status = c.To
	if c.Reasons != nil {
		img.RejectionReasons = slices.Clone(c.Reasons)
	}
	if c.Analysis != nil {
		a := *c.Analysis
		img.Analysis = &a
	}
	if c.UploadCompletedAt != nil {
		img.UploadCompletedAt = cloneTime(c.UploadCompletedAt)
	}
	if c.ProcessedAt != nil {
		img.ProcessedAt = cloneTime(c.ProcessedAt)
	}
	img.UpdatedAt = now
}

// checkTransition rejects a change that names an illegal edge from any of
// the expected statuses, or that breaks the reason/analysis invariants.
func checkTransition(from []Status, c Change) error {
	if len(from) == 0 {
		return apperr.StateTransition("store.Transition", "transition to %s: no expected status", c.To)
	}
	for _, f := range from {
		if !CanTransition(f, c.To) {
			return apperr.StateTransition("store.Transition", "illegal transition %s -> %s", f, c.To)
		}
	}
	failed := c.To == StatusRejected || c.To == StatusUploadFailed
	if failed && len(c.Reasons) == 0 {
		return apperr.StateTransition("store.Transition", "transition to %s requires at least one reason", c.To)
	}
	if !failed && len(c.Reasons) > 0 {
		return apperr.StateTransition("store.Transition", "transition to %s cannot carry rejection reasons", c.To)
	}
	if c.Analysis != nil && c.To != StatusAccepted && c.To != StatusRejected {
		return apperr.StateTransition("store.Transition", "transition to %s cannot carry analysis", c.To)
	}
	return nil
}

// ListFilter narrows a List call. Zero values mean "no filter".
type ListFilter struct {
	Status Status
	Limit  int
}

// DefaultListLimit caps List when the filter does not set a limit.
const DefaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}

// RecordStore is the persistence contract of the intake pipeline.
// Implementations are safe for concurrent use.
//
// Find methods return (nil, nil) when the record does not exist.
type RecordStore interface {
	// Create inserts a new record. It fails if the id already exists.
	Create(ctx context.Context, img *Image) error

	// FindByID reads one record. Returns nil, nil if not found.
	FindByID(ctx context.Context, id string) (*Image, error)

	// FindByKey reads the record owning an object storage key.
	// Returns nil, nil if not found.
	FindByKey(ctx context.Context, key string) (*Image, error)

	// List returns records newest first.
	List(ctx context.Context, filter ListFilter) ([]*Image, error)

	// Transition applies change only if the record's current status is one
	// of from. It returns false (and no error) when the record is missing
	// or in another status: the caller lost the race and should re-read.
	Transition(ctx context.Context, id string, from []Status, change Change) (bool, error)

	// RecordVerificationAttempts adds n to the attempt counter and stamps
	// lastVerificationAt. It is a no-op once the record is terminal.
	RecordVerificationAttempts(ctx context.Context, id string, n int, at time.Time) error

	// AcceptedHashes returns the perceptual hash of every ACCEPTED record.
	AcceptedHashes(ctx context.Context) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
