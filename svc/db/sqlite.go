package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"ephemera/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pastes (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)),
	expires_at INTEGER,
	max_views INTEGER CHECK (max_views IS NULL OR max_views >= 1),
	view_count INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0)
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
`

// SQLite stores timestamps as unix milliseconds so comparisons stay integer comparisons.
type SQLite struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
	floor        floor
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

// sqliteDSN turns a file path into a URI carrying the pragmas, so every pooled
// connection gets them rather than only the one that ran a PRAGMA statement.
func sqliteDSN(path string) string {
	params := "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL"
	if path == ":memory:" {
		return "file::memory:?cache=shared&" + params
	}
	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "?") {
			return path + "&" + params
		}
		return path + "?" + params
	}
	return "file:" + path + "?" + params
}
func NewSQLite(path string, opts Options) (*SQLite, error) {
	opts = opts.withDefaults()
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		opts.MaxOpenConns, opts.MaxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: opts.QueryTimeout,
		floor:        floor(opts.MinResponseTime),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}
func (s *SQLite) migrate() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}
func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, content, created_at, expires_at, max_views, view_count)
	VALUES (?, ?, ?, ?, ?, 0)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Content, toMillis(p.CreatedAt), nullMillis(p.ExpiresAt), nullInt(p.MaxViews),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		err = domain.ErrDuplicateID
	}
	s.recordError(err)
	if err == domain.ErrDuplicateID {
		return err
	}
	return errors.Wrap(err, "db create")
}

// Consume bumps view_count only when both gates pass, in the same statement that reads
// the row back. Concurrent readers serialize on the write lock.
func (s *SQLite) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	start := time.Now()
	defer s.floor.pad(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes SET view_count = view_count + 1
	WHERE id = ?
		AND (expires_at IS NULL OR expires_at > ?)
		AND (max_views IS NULL OR view_count < max_views)
	RETURNING content, created_at, expires_at, max_views, view_count
	`
	var (
		createdAt int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	p := domain.Paste{ID: id}
	err := s.db.QueryRowContext(queryCtx, q, id, toMillis(now)).Scan(
		&p.Content, &createdAt, &expiresAt, &maxViews, &p.ViewCount,
	)
	if err == sql.ErrNoRows {
		return nil, s.classifyMiss(queryCtx, id)
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db consume")
	}
	p.CreatedAt = fromMillis(createdAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		p.ExpiresAt = &t
	}
	p.MaxViews = intPtr(maxViews)
	return &p, nil
}
func (s *SQLite) classifyMiss(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "exists check failed")
	}
	return domain.ErrPasteNotAvailable
}

// DeleteRetired removes up to limit records that expired, or used up their views, before cutoff.
func (s *SQLite) DeleteRetired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	ms := toMillis(cutoff)
	result, err := s.db.ExecContext(queryCtx, `
		DELETE FROM pastes
		WHERE id IN (
			SELECT id FROM pastes
			WHERE (expires_at IS NOT NULL AND expires_at < ?)
				OR (max_views IS NOT NULL AND view_count >= max_views AND created_at < ?)
			LIMIT ?
		)
	`, ms, ms, limit)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup batch failed")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}
func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
