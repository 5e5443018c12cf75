package s3util

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/store"
)

// DefaultMaxDownload caps in-memory downloads.
const DefaultMaxDownload = 64 << 20

// UploadSlot is a pre-signed, single-object PUT.
type UploadSlot struct {
	URL       string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueUploadSlot presigns a PUT for key. The content type and length are
// part of the signature, so the browser must send the same Content-Type
// header and exactly size bytes.
func (g *Gateway) IssueUploadSlot(ctx context.Context, key, contentType string, size int64, expiry time.Duration) (UploadSlot, error) {
	result, err := g.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        &g.bucket,
		Key:           &key,
		ContentType:   &contentType,
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return UploadSlot{}, apperr.Storage("s3util.IssueUploadSlot", fmt.Errorf("presign PutObject %s: %w", key, err))
	}
	return UploadSlot{URL: result.URL, Key: key, ExpiresAt: time.Now().Add(expiry).UTC()}, nil
}

// PresignGet creates a pre-signed GET URL for viewing an object.
func (g *Gateway) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	result, err := g.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &g.bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject %s: %w", key, err)
	}
	return result.URL, nil
}

// Download reads the whole object into memory. Objects larger than
// maxBytes are refused.
func (g *Gateway) Download(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	log.Debug().Str("bucket", g.bucket).Str("key", key).Msg("Downloading from S3")
	result, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &g.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, apperr.Classify("s3util.Download", fmt.Errorf("S3 GetObject %s: %w", key, err))
	}
	defer result.Body.Close()

	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownload
	}
	data, err := io.ReadAll(io.LimitReader(result.Body, maxBytes+1))
	if err != nil {
		return nil, apperr.Storage("s3util.Download", fmt.Errorf("read %s: %w", key, err))
	}
	if int64(len(data)) > maxBytes {
		return nil, apperr.ImageProcessing("s3util.Download", fmt.Errorf("object %s exceeds %d bytes", key, maxBytes))
	}
	return data, nil
}

// TagObject replaces the object's tag set. Uploads arrive through
// pre-signed URLs and cannot be tagged at creation time, so lifecycle tags
// are applied once the pipeline has seen the object.
func (g *Gateway) TagObject(ctx context.Context, key string, tags map[string]string) error {
	set := make([]s3types.Tag, 0, len(tags))
	for k, v := range tags {
		set = append(set, s3types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := g.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  &g.bucket,
		Key:     &key,
		Tagging: &s3types.Tagging{TagSet: set},
	})
	if err != nil {
		return fmt.Errorf("PutObjectTagging %s: %w", key, err)
	}
	return nil
}

// ObjectReader adapts a Gateway to the validation engine's reader with a
// fixed size cap.
type ObjectReader struct {
	Gateway  *Gateway
	MaxBytes int64
}

// Download implements validation.ObjectReader.
func (r ObjectReader) Download(ctx context.Context, key string) ([]byte, error) {
	return r.Gateway.Download(ctx, key, r.MaxBytes)
}

// DecodeEventKey undoes the URL encoding S3 applies to keys in event
// notifications ("+" for spaces, %XX escapes).
func DecodeEventKey(key string) (string, error) {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return "", fmt.Errorf("decode object key %q: %w", key, err)
	}
	return decoded, nil
}

// StatusTagKey is the object tag carrying the pipeline outcome. Bucket
// lifecycle rules can expire rejected uploads by filtering on it.
const StatusTagKey = "photo-status"

// StatusTagger tags finalized uploads with their terminal status. It
// implements pipeline.Notifier.
type StatusTagger struct {
	Gateway *Gateway
}

// ImageFinalized tags img's object with its status.
func (t StatusTagger) ImageFinalized(ctx context.Context, img *store.Image) error {
	if err := t.Gateway.TagObject(ctx, img.Key, map[string]string{StatusTagKey: string(img.Status)}); err != nil {
		return apperr.Classify("s3util.StatusTagger", err)
	}
	return nil
}
