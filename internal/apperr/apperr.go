// Package apperr defines the error taxonomy shared by the pipeline, the
// queue workers, and the HTTP surface. Each error carries a Kind that
// decides its wire code, its HTTP status, and whether the queue layer
// should retry it.
//
// Lost conditional-write races are not errors and never pass through
// this package; they are resolved locally by re-reading the record.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
)

// Kind classifies an error by who is at fault and whether retrying helps.
type Kind int

const (
	KindExternalService Kind = iota
	KindValidation
	KindNotFound
	KindStorage
	KindDatabase
	KindImageProcessing
	KindStateTransition
)

// kindInfo is the static metadata for each Kind.
var kindInfo = map[Kind]struct {
	code      string
	status    int
	retryable bool
}{
	KindValidation:      {"VALIDATION_ERROR", http.StatusBadRequest, false},
	KindNotFound:        {"NOT_FOUND", http.StatusNotFound, false},
	KindStorage:         {"STORAGE_ERROR", http.StatusServiceUnavailable, true},
	KindDatabase:        {"DATABASE_ERROR", http.StatusServiceUnavailable, true},
	KindImageProcessing: {"IMAGE_PROCESSING_ERROR", http.StatusUnprocessableEntity, false},
	KindStateTransition: {"STATE_TRANSITION_ERROR", http.StatusConflict, false},
	KindExternalService: {"EXTERNAL_SERVICE_ERROR", http.StatusServiceUnavailable, true},
}

// Code returns the wire-visible error code for the kind.
func (k Kind) Code() string { return kindInfo[k].code }

// HTTPStatus returns the HTTP status the API responds with for the kind.
func (k Kind) HTTPStatus() int { return kindInfo[k].status }

func (k Kind) String() string { return k.Code() }

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "s3util.HeadObject"
	Message string
	Err     error

	// noRetry overrides the kind's default retryability. Only database
	// errors use it today (constraint violations are not worth retrying).
	noRetry bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the queue layer should retry this error.
func (e *Error) Retryable() bool {
	if e.noRetry {
		return false
	}
	return kindInfo[e.Kind].retryable
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation, NotFound and friends are shorthands used at call sites.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func ImageProcessing(op string, err error) error { return Wrap(KindImageProcessing, op, err) }

func Storage(op string, err error) error { return Wrap(KindStorage, op, err) }

func StateTransition(op, format string, args ...any) *Error {
	return New(KindStateTransition, op, format, args...)
}

// Database wraps a persistence failure. Pass retryable=false for errors
// that will fail the same way again (constraint violations, bad SQL).
func Database(op string, err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindDatabase, Op: op, Err: err, noRetry: !retryable}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are treated as external-service faults.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternalService
}

// Retryable reports whether err is worth retrying. Unclassified errors are
// retryable; context cancellation is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

// Classify maps a raw SDK or runtime error onto the taxonomy. Errors that
// are already classified pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindExternalService, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket", "AccessDenied", "SlowDown", "RequestTimeout":
			return Wrap(KindStorage, op, err)
		case "ConditionalCheckFailedException", "ValidationException":
			return Database(op, err, false)
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded":
			return Database(op, err, true)
		}
	}
	return Wrap(KindExternalService, op, err)
}
