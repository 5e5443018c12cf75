package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements RecordStore on a local SQLite file. It is the
// single-node backend: the worker and API share the file, and conditional
// updates rely on SQLite's per-statement atomicity.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ RecordStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open %s: %w", path, err)
	}
	// One connection serialises writers inside the process; busy_timeout
	// covers other processes holding the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies SQLiteSchema. It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(SQLiteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// positional binds arguments to "?" placeholders.
type positional struct{ args []any }

func (p *positional) bind(_ string, v any) string {
	p.args = append(p.args, v)
	return "?"
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy")
}

// withSQLiteRetry retries op on lock contention with exponential backoff.
func withSQLiteRetry(ctx context.Context, op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if !isRetryableSQLiteError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, img *Image) error {
	now := s.now()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now

	p := &positional{}
	q := insertSQL(p, img)
	err := withSQLiteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, p.args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert image %s: %w", img.ID, err)
	}
	log.Debug().Str("imageId", img.ID).Str("key", img.Key).Msg("Image record created in SQLite")
	return nil
}

func (s *SQLiteStore) findOne(ctx context.Context, column, value string) (*Image, error) {
	var row imageRow
	err := withSQLiteRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			"SELECT "+imageColumns+" FROM images WHERE "+column+" = ?", value).Scan(row.scanDest()...)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select image %s=%s: %w", column, value, err)
	}
	return row.toImage()
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Image, error) {
	return s.findOne(ctx, "id", id)
}

func (s *SQLiteStore) FindByKey(ctx context.Context, key string) (*Image, error) {
	return s.findOne(ctx, "storage_key", key)
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Image, error) {
	p := &positional{}
	q := listSQL(p, filter)
	rows, err := s.db.QueryContext(ctx, q, p.args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []*Image
	for rows.Next() {
		var row imageRow
		if err := rows.Scan(row.scanDest()...); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img, err := row.toImage()
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from []Status, change Change) (bool, error) {
	if err := checkTransition(from, change); err != nil {
		return false, err
	}
	p := &positional{}
	q := transitionSQL(p, id, from, change, s.now())

	var affected int64
	err := withSQLiteRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, q, p.args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("transition image %s -> %s: %w", id, change.To, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) RecordVerificationAttempts(ctx context.Context, id string, n int, at time.Time) error {
	if n <= 0 {
		return nil
	}
	p := &positional{}
	q := attemptsSQL(p, id, n, at, s.now())
	err := withSQLiteRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, p.args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("record attempts image %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AcceptedHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT phash FROM images WHERE status = ? AND phash IS NOT NULL AND phash != ''", string(StatusAccepted))
	if err != nil {
		return nil, fmt.Errorf("select accepted hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
