// Package s3util is the object store gateway for photo uploads. It issues
// pre-signed upload slots, answers existence/size questions about uploaded
// objects, and reads object bytes for validation.
//
// Works against AWS S3 and S3-compatible stores (Cloudflare R2) through
// the same client; see boot.InitS3 for endpoint configuration.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
)

// DefaultSizeTolerance is the accepted relative difference between the
// declared and the stored object size.
const DefaultSizeTolerance = 0.02

// S3API is the subset of the S3 client used by Gateway.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObjectTagging(ctx context.Context, in *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// Presigner is the subset of s3.PresignClient used by Gateway.
type Presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Gateway wraps one bucket.
type Gateway struct {
	client    S3API
	presigner Presigner
	bucket    string

	// sleep waits between verification attempts. Tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a Gateway for bucket.
func NewGateway(client S3API, presigner Presigner, bucket string) *Gateway {
	return &Gateway{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		sleep:     sleepContext,
	}
}

// Bucket returns the bucket name.
func (g *Gateway) Bucket() string { return g.bucket }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HeadResult describes one existence lookup.
type HeadResult struct {
	Exists        bool
	ContentLength int64
	ContentType   string
}

// VerifyResult is a HeadResult plus the number of lookups it took.
type VerifyResult struct {
	HeadResult
	Attempts int
}

// IsNotFound reports whether err is S3's "object does not exist" answer.
func IsNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

// HeadObject performs a single existence lookup with no retry. A missing
// object is reported as Exists=false, not as an error.
func (g *Gateway) HeadObject(ctx context.Context, key string) (HeadResult, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	if err != nil {
		if IsNotFound(err) {
			return HeadResult{Exists: false}, nil
		}
		return HeadResult{}, apperr.Storage("s3util.HeadObject", fmt.Errorf("HeadObject %s: %w", key, err))
	}
	return HeadResult{
		Exists:        true,
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
	}, nil
}

// VerifyWithRetry polls HeadObject up to maxAttempts times, waiting delay
// between attempts, and returns as soon as the object exists. A failed
// lookup counts as an attempt. The error is returned only when no lookup
// produced an answer at all.
func (g *Gateway) VerifyWithRetry(ctx context.Context, key string, maxAttempts int, delay time.Duration) (VerifyResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var (
		lastErr  error
		answered bool
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		head, err := g.HeadObject(ctx, key)
		if err == nil {
			answered = true
			if head.Exists {
				log.Debug().Str("key", key).Int("attempt", attempt).Int64("contentLength", head.ContentLength).Msg("Upload visible in object store")
				return VerifyResult{HeadResult: head, Attempts: attempt}, nil
			}
		} else {
			lastErr = err
			log.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("HeadObject failed during verification")
		}

		if attempt < maxAttempts {
			if err := g.sleep(ctx, delay); err != nil {
				return VerifyResult{Attempts: attempt}, err
			}
		}
	}

	if !answered && lastErr != nil {
		return VerifyResult{Attempts: maxAttempts}, lastErr
	}
	log.Info().Str("key", key).Int("attempts", maxAttempts).Msg("Upload never became visible")
	return VerifyResult{Attempts: maxAttempts}, nil
}

// SizeWithinTolerance compares the stored size against the declared size.
// It returns the relative difference; a non-positive declared size skips
// the check.
func SizeWithinTolerance(declared, measured int64, tolerance float64) (bool, float64) {
	if declared <= 0 {
		return true, 0
	}
	diff := math.Abs(float64(measured-declared)) / float64(declared)
	return diff <= tolerance, diff
}
