package sqlitestore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"pastebin-lite/internal/storage"
)

// Store implements storage.Store using SQLite.
//
// Timestamps are stored as unix milliseconds so the availability checks in
// ConsumeView compare integers inside the database.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open initializes the SQLite database at path.
func Open(path string, timeout time.Duration) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps writers ordered and lets :memory: databases work.
	db.SetMaxOpenConns(1)
	if err := initialize(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, timeout: timeout}, nil
}

func initialize(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS pastes (
    id TEXT PRIMARY KEY,
    content BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    ttl_seconds INTEGER,
    expires_at INTEGER,
    max_views INTEGER,
    view_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes (expires_at);
`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

const columns = `id, content, created_at, ttl_seconds, expires_at, max_views, view_count`

// Insert adds a new paste.
func (s *Store) Insert(ctx context.Context, paste *storage.Paste) (string, error) {
	if err := paste.Validate(); err != nil {
		return "", err
	}
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
INSERT INTO pastes (` + columns + `)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q,
		paste.ID,
		[]byte(paste.Content),
		paste.CreatedAt.UnixMilli(),
		nullableInt(paste.TTLSeconds),
		nullableTime(paste.ExpiresAt),
		nullableInt(paste.MaxViews),
		paste.ViewCount,
	)
	if err != nil {
		return "", storage.Classify(err, "insert paste")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return "", storage.ErrConflict
	}
	return paste.ID, nil
}

// Get fetches a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `SELECT ` + columns + ` FROM pastes WHERE id = ?;`
	return scanPaste(s.db.QueryRowContext(ctx, q, id), "query paste")
}

// ConsumeView increments view_count only when the row is still within its
// limits. The check and the increment are a single statement, so concurrent
// readers can never push view_count past max_views.
func (s *Store) ConsumeView(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
UPDATE pastes SET view_count = view_count + 1
WHERE id = ?
  AND (max_views IS NULL OR view_count < max_views)
  AND (expires_at IS NULL OR expires_at >= ?)
RETURNING ` + columns + `;
`
	return scanPaste(s.db.QueryRowContext(ctx, q, id, now.UnixMilli()), "consume view")
}

// DeleteExpired removes all expired pastes.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `DELETE FROM pastes WHERE expires_at IS NOT NULL AND expires_at < ?;`
	res, err := s.db.ExecContext(ctx, q, before.UnixMilli())
	if err != nil {
		return 0, storage.Classify(err, "delete expired")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(rows), nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Unavailable(err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanPaste(row *sql.Row, op string) (*storage.Paste, error) {
	var (
		id        string
		content   []byte
		createdAt int64
		ttl       sql.NullInt64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
		viewCount int
	)
	if err := row.Scan(&id, &content, &createdAt, &ttl, &expiresAt, &maxViews, &viewCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.Classify(err, op)
	}

	paste := &storage.Paste{
		ID:        id,
		Content:   string(content),
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		ViewCount: viewCount,
	}
	if ttl.Valid {
		v := int(ttl.Int64)
		paste.TTLSeconds = &v
	}
	if expiresAt.Valid {
		at := time.UnixMilli(expiresAt.Int64).UTC()
		paste.ExpiresAt = &at
	}
	if maxViews.Valid {
		v := int(maxViews.Int64)
		paste.MaxViews = &v
	}
	return paste, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
