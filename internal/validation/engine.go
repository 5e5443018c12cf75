// Package validation decides whether an uploaded photo is acceptable.
//
// The Engine runs every check against one object and accumulates rejection
// reasons instead of stopping at the first failure, so a rejected record
// lists everything that was wrong with it. Measurements taken along the way
// (dimensions, perceptual hash, blur score, face heuristic) are returned
// for every image that could be downloaded and decoded, valid or not.
package validation

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog/log"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/store"
)

// Config holds the acceptance thresholds.
type Config struct {
	MinFileBytes    int64
	MaxFileBytes    int64
	MinWidth        int
	MinHeight       int
	HashThreshold   int     // max Hamming distance that counts as a duplicate
	BlurThreshold   float64 // BlurScore below this is too blurry
	MinFaceFraction float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinFileBytes:    51200,
		MaxFileBytes:    8_000_000,
		MinWidth:        400,
		MinHeight:       400,
		HashThreshold:   10,
		BlurThreshold:   10,
		MinFaceFraction: 0.1,
	}
}

// ObjectReader fetches object bytes by storage key.
type ObjectReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// HashSource lists the perceptual hashes of already accepted images.
type HashSource interface {
	AcceptedHashes(ctx context.Context) ([]string, error)
}

// Result is the engine's verdict on one image.
type Result struct {
	Valid    bool            `json:"valid"`
	Reasons  []store.Reason  `json:"reasons"`
	Analysis *store.Analysis `json:"analysis,omitempty"` // nil when the image was never downloaded
	// Duplicate is the closest accepted hash when DUPLICATE_IMAGE fired.
	Duplicate *Match `json:"duplicate,omitempty"`
}

func (r *Result) reject(reason store.Reason) {
	r.Reasons = append(r.Reasons, reason)
}

// Engine validates images. It holds no per-image state and is safe for
// concurrent use.
type Engine struct {
	cfg        Config
	objects    ObjectReader
	hashes     HashSource
	faces      FaceDetector
	transcoder Transcoder
}

// Option customises an Engine.
type Option func(*Engine)

// WithFaceDetector replaces the stub face detector.
func WithFaceDetector(d FaceDetector) Option {
	return func(e *Engine) { e.faces = d }
}

// WithTranscoder replaces the ffmpeg HEIC transcoder.
func WithTranscoder(t Transcoder) Option {
	return func(e *Engine) { e.transcoder = t }
}

// NewEngine creates an Engine. hashes may be nil, which disables the
// duplicate check.
func NewEngine(cfg Config, objects ObjectReader, hashes HashSource, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		objects:    objects,
		hashes:     hashes,
		faces:      StubDetector{},
		transcoder: FFmpegTranscoder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate runs every check on the object at key. An error means the
// verdict could not be reached (download, decode, or lookup failure); a
// rejected image is a nil error with Valid=false.
func (e *Engine) Validate(ctx context.Context, key, mimeType string, size int64) (*Result, error) {
	const op = "validation.Validate"
	logger := log.With().Str("key", key).Str("mimeType", mimeType).Logger()
	res := &Result{}

	if _, ok := NormalizeMIME(mimeType); !ok {
		res.reject(store.ReasonInvalidFormat)
	}
	if size < e.cfg.MinFileBytes || size > e.cfg.MaxFileBytes {
		res.reject(store.ReasonFileTooSmall)
	}
	if len(res.Reasons) > 0 {
		logger.Info().Interface("reasons", res.Reasons).Int64("size", size).Msg("Rejected before download")
		return res, nil
	}

	data, err := e.objects.Download(ctx, key)
	if err != nil {
		return nil, apperr.Classify(op, err)
	}
	analysis, img, err := e.analyze(ctx, mimeType, data)
	if err != nil {
		return nil, err
	}
	res.Analysis = analysis

	if analysis.Width < e.cfg.MinWidth || analysis.Height < e.cfg.MinHeight {
		res.reject(store.ReasonResolutionTooLow)
	}

	if e.hashes != nil {
		accepted, err := e.hashes.AcceptedHashes(ctx)
		if err != nil {
			return nil, apperr.Database(op, fmt.Errorf("load accepted hashes: %w", err), true)
		}
		if m, dup := FindDuplicate(analysis.PHash, accepted, e.cfg.HashThreshold); dup {
			res.Duplicate = &m
			res.reject(store.ReasonDuplicateImage)
		}
	}

	if analysis.BlurScore < e.cfg.BlurThreshold {
		res.reject(store.ReasonImageTooBlurry)
	}

	faces, err := e.faces.DetectFaces(ctx, img)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalService, op, fmt.Errorf("detect faces: %w", err))
	}
	analysis.FaceCount = faces.Count
	analysis.FaceFraction = faces.DominantFraction
	if faces.Count > 1 {
		res.reject(store.ReasonMultipleFaces)
	}
	if faces.Count >= 1 && faces.DominantFraction < e.cfg.MinFaceFraction {
		res.reject(store.ReasonFaceTooSmall)
	}

	res.Valid = len(res.Reasons) == 0
	ev := logger.Info().
		Bool("valid", res.Valid).
		Int("width", analysis.Width).
		Int("height", analysis.Height).
		Str("phash", analysis.PHash).
		Float64("blurScore", analysis.BlurScore)
	if res.Duplicate != nil {
		ev = ev.Int("duplicateDistance", res.Duplicate.Distance)
	}
	ev.Interface("reasons", res.Reasons).Msg("Image validated")
	return res, nil
}

// Analyze decodes an image and measures it without judging it. It backs
// Validate and the CLI's local hash command.
func (e *Engine) Analyze(ctx context.Context, mimeType string, data []byte) (*store.Analysis, error) {
	a, _, err := e.analyze(ctx, mimeType, data)
	return a, err
}

func (e *Engine) analyze(ctx context.Context, mimeType string, data []byte) (*store.Analysis, image.Image, error) {
	const op = "validation.analyze"
	decodable := data
	if IsHEIC(mimeType) {
		converted, err := e.transcoder.Transcode(ctx, data)
		if err != nil {
			return nil, nil, apperr.ImageProcessing(op, err)
		}
		decodable = converted
	}

	img, _, err := decodeImage(decodable)
	if err != nil {
		return nil, nil, apperr.ImageProcessing(op, err)
	}

	b := img.Bounds()
	return &store.Analysis{
		Width:        b.Dx(),
		Height:       b.Dy(),
		MeasuredSize: int64(len(data)),
		PHash:        PerceptualHash(img),
		BlurScore:    BlurScore(img),
		Camera:       cameraFromEXIF(data),
	}, img, nil
}
