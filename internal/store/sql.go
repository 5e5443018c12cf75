package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Relational layout shared by SQLiteStore and DataAPIStore. Timestamps are
// stored as RFC 3339 text in UTC so both engines sort them lexically.
const imageColumns = `id, storage_key, original_name, mime_type, declared_size, status,
	verification_attempts, last_verification_at, upload_completed_at, processed_at,
	width, height, measured_size, phash, blur_score, face_count, face_fraction, camera,
	rejection_reasons, created_at, updated_at`

// SQLiteSchema creates the images table in SQLite.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS images (
	id                    TEXT PRIMARY KEY,
	storage_key           TEXT NOT NULL UNIQUE,
	original_name         TEXT NOT NULL,
	mime_type             TEXT NOT NULL,
	declared_size         INTEGER NOT NULL,
	status                TEXT NOT NULL,
	verification_attempts INTEGER NOT NULL DEFAULT 0,
	last_verification_at  TEXT,
	upload_completed_at   TEXT,
	processed_at          TEXT,
	width                 INTEGER,
	height                INTEGER,
	measured_size         INTEGER,
	phash                 TEXT,
	blur_score            REAL,
	face_count            INTEGER,
	face_fraction         REAL,
	camera                TEXT,
	rejection_reasons     TEXT NOT NULL DEFAULT '[]',
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS images_status_created ON images(status, created_at);
`

// PostgresSchema creates the images table in Aurora PostgreSQL.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS images (
	id                    TEXT PRIMARY KEY,
	storage_key           TEXT NOT NULL UNIQUE,
	original_name         TEXT NOT NULL,
	mime_type             TEXT NOT NULL,
	declared_size         BIGINT NOT NULL,
	status                TEXT NOT NULL,
	verification_attempts INTEGER NOT NULL DEFAULT 0,
	last_verification_at  TEXT,
	upload_completed_at   TEXT,
	processed_at          TEXT,
	width                 INTEGER,
	height                INTEGER,
	measured_size         BIGINT,
	phash                 TEXT,
	blur_score            DOUBLE PRECISION,
	face_count            INTEGER,
	face_fraction         DOUBLE PRECISION,
	camera                TEXT,
	rejection_reasons     TEXT NOT NULL DEFAULT '[]',
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS images_status_created ON images(status, created_at);
`

// binder collects query arguments and returns the placeholder to splice
// into the SQL text. SQLite uses positional "?", the Data API uses names.
type binder interface {
	bind(name string, v any) string
}

// timeLayout is RFC 3339 with fixed-width nanoseconds so that text order
// equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func encodeReasons(r []Reason) string {
	if len(r) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(r)
	return string(b)
}

// insertSQL builds the INSERT for a new record.
func insertSQL(b binder, img *Image) string {
	a := img.Analysis
	vals := []string{
		b.bind("id", img.ID),
		b.bind("storage_key", img.Key),
		b.bind("original_name", img.OriginalName),
		b.bind("mime_type", img.MimeType),
		b.bind("declared_size", img.DeclaredSize),
		b.bind("status", string(img.Status)),
		b.bind("verification_attempts", img.VerificationAttempts),
		b.bind("last_verification_at", formatTimePtr(img.LastVerificationAt)),
		b.bind("upload_completed_at", formatTimePtr(img.UploadCompletedAt)),
		b.bind("processed_at", formatTimePtr(img.ProcessedAt)),
	}
	if a != nil {
		vals = append(vals,
			b.bind("width", a.Width), b.bind("height", a.Height),
			b.bind("measured_size", a.MeasuredSize), b.bind("phash", a.PHash),
			b.bind("blur_score", a.BlurScore), b.bind("face_count", a.FaceCount),
			b.bind("face_fraction", a.FaceFraction), b.bind("camera", a.Camera))
	} else {
		vals = append(vals, "NULL", "NULL", "NULL", "NULL", "NULL", "NULL", "NULL", "NULL")
	}
	vals = append(vals,
		b.bind("rejection_reasons", encodeReasons(img.RejectionReasons)),
		b.bind("created_at", formatTime(img.CreatedAt)),
		b.bind("updated_at", formatTime(img.UpdatedAt)),
	)
	return "INSERT INTO images (" + imageColumns + ") VALUES (" + strings.Join(vals, ", ") + ")"
}

// transitionSQL builds the conditional UPDATE behind Transition. The
// statement affects one row when the status matched and zero otherwise.
func transitionSQL(b binder, id string, from []Status, c Change, now time.Time) string {
	sets := []string{
		"status = " + b.bind("to", string(c.To)),
		"updated_at = " + b.bind("now", formatTime(now)),
	}
	if c.Reasons != nil {
		sets = append(sets, "rejection_reasons = "+b.bind("reasons", encodeReasons(c.Reasons)))
	}
	if a := c.Analysis; a != nil {
		sets = append(sets,
			"width = "+b.bind("width", a.Width),
			"height = "+b.bind("height", a.Height),
			"measured_size = "+b.bind("measured_size", a.MeasuredSize),
			"phash = "+b.bind("phash", a.PHash),
			"blur_score = "+b.bind("blur_score", a.BlurScore),
			"face_count = "+b.bind("face_count", a.FaceCount),
			"face_fraction = "+b.bind("face_fraction", a.FaceFraction),
			"camera = "+b.bind("camera", a.Camera),
		)
	}
	if c.UploadCompletedAt != nil {
		sets = append(sets, "upload_completed_at = "+b.bind("uploaded", formatTime(*c.UploadCompletedAt)))
	}
	if c.ProcessedAt != nil {
		sets = append(sets, "processed_at = "+b.bind("processed", formatTime(*c.ProcessedAt)))
	}

	where := "id = " + b.bind("id", id)
	return "UPDATE images SET " + strings.Join(sets, ", ") + " WHERE " + where +
		" AND status IN (" + bindStatuses(b, "from", from) + ")"
}

// attemptsSQL builds the guarded counter increment.
func attemptsSQL(b binder, id string, n int, at, now time.Time) string {
	return "UPDATE images SET verification_attempts = verification_attempts + " + b.bind("n", n) +
		", last_verification_at = " + b.bind("at", formatTime(at)) +
		", updated_at = " + b.bind("now", formatTime(now)) +
		" WHERE id = " + b.bind("id", id) +
		" AND status NOT IN (" + bindStatuses(b, "terminal", []Status{StatusAccepted, StatusRejected, StatusUploadFailed}) + ")"
}

// listSQL builds the newest-first listing query.
func listSQL(b binder, filter ListFilter) string {
	q := "SELECT " + imageColumns + " FROM images"
	if filter.Status != "" {
		q += " WHERE status = " + b.bind("status", string(filter.Status))
	}
	return q + " ORDER BY created_at DESC LIMIT " + b.bind("limit", filter.limit())
}

func bindStatuses(b binder, prefix string, statuses []Status) string {
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		ph[i] = b.bind(prefix+strconv.Itoa(i), string(st))
	}
	return strings.Join(ph, ", ")
}

// imageRow is the nullable column view of an image record. Its JSON tags
// match the column names so Data API JSON records decode straight into it.
type imageRow struct {
	ID                   string   `json:"id"`
	StorageKey           string   `json:"storage_key"`
	OriginalName         string   `json:"original_name"`
	MimeType             string   `json:"mime_type"`
	DeclaredSize         int64    `json:"declared_size"`
	Status               string   `json:"status"`
	VerificationAttempts int      `json:"verification_attempts"`
	LastVerificationAt   *string  `json:"last_verification_at"`
	UploadCompletedAt    *string  `json:"upload_completed_at"`
	ProcessedAt          *string  `json:"processed_at"`
	Width                *int     `json:"width"`
	Height               *int     `json:"height"`
	MeasuredSize         *int64   `json:"measured_size"`
	PHash                *string  `json:"phash"`
	BlurScore            *float64 `json:"blur_score"`
	FaceCount            *int     `json:"face_count"`
	FaceFraction         *float64 `json:"face_fraction"`
	Camera               *string  `json:"camera"`
	RejectionReasons     string   `json:"rejection_reasons"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// scanDest returns pointers to every field in imageColumns order.
func (r *imageRow) scanDest() []any {
	return []any{
		&r.ID, &r.StorageKey, &r.OriginalName, &r.MimeType, &r.DeclaredSize, &r.Status,
		&r.VerificationAttempts, &r.LastVerificationAt, &r.UploadCompletedAt, &r.ProcessedAt,
		&r.Width, &r.Height, &r.MeasuredSize, &r.PHash, &r.BlurScore, &r.FaceCount, &r.FaceFraction, &r.Camera,
		&r.RejectionReasons, &r.CreatedAt, &r.UpdatedAt,
	}
}

func parseTimePtr(v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// toImage converts a row to the domain record.
func (r *imageRow) toImage() (*Image, error) {
	img := &Image{
		ID:                   r.ID,
		Key:                  r.StorageKey,
		OriginalName:         r.OriginalName,
		MimeType:             r.MimeType,
		DeclaredSize:         r.DeclaredSize,
		Status:               Status(r.Status),
		VerificationAttempts: r.VerificationAttempts,
	}
	var err error
	if img.LastVerificationAt, err = parseTimePtr(r.LastVerificationAt); err != nil {
		return nil, fmt.Errorf("image %s last_verification_at: %w", r.ID, err)
	}
	if img.UploadCompletedAt, err = parseTimePtr(r.UploadCompletedAt); err != nil {
		return nil, fmt.Errorf("image %s upload_completed_at: %w", r.ID, err)
	}
	if img.ProcessedAt, err = parseTimePtr(r.ProcessedAt); err != nil {
		return nil, fmt.Errorf("image %s processed_at: %w", r.ID, err)
	}
	if r.Width != nil {
		img.Analysis = &Analysis{
			Width:        *r.Width,
			Height:       deref(r.Height),
			MeasuredSize: deref(r.MeasuredSize),
			PHash:        deref(r.PHash),
			BlurScore:    deref(r.BlurScore),
			FaceCount:    deref(r.FaceCount),
			FaceFraction: deref(r.FaceFraction),
			Camera:       deref(r.Camera),
		}
	}
	if r.RejectionReasons != "" {
		if err := json.Unmarshal([]byte(r.RejectionReasons), &img.RejectionReasons); err != nil {
			return nil, fmt.Errorf("image %s rejection_reasons: %w", r.ID, err)
		}
	}
	if img.CreatedAt, err = time.Parse(time.RFC3339Nano, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("image %s created_at: %w", r.ID, err)
	}
	if img.UpdatedAt, err = time.Parse(time.RFC3339Nano, r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("image %s updated_at: %w", r.ID, err)
	}
	return img, nil
}

// splitStatements splits a schema script on ";" and drops blank parts.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
