package db

import (
	"context"
	"database/sql"
	"time"

	"ephemera/pkg/domain"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS pastes (
	id UUID PRIMARY KEY,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ,
	max_views INTEGER CHECK (max_views IS NULL OR max_views >= 1),
	view_count INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0)
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes (expires_at) WHERE expires_at IS NOT NULL;
`

const pqUniqueViolation = "23505"

type Postgres struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
	floor        floor
}

func NewPostgres(dsn string, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return &Postgres{
		db:           db,
		queryTimeout: opts.QueryTimeout,
		floor:        floor(opts.MinResponseTime),
	}, nil
}
func (s *Postgres) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO pastes (id, content, created_at, expires_at, max_views, view_count)
		VALUES ($1, $2, $3, $4, $5, 0)
	`, p.ID, p.Content, p.CreatedAt.UTC(), p.ExpiresAt, nullInt(p.MaxViews))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		err = domain.ErrDuplicateID
	}
	s.recordError(err)
	if err == domain.ErrDuplicateID {
		return err
	}
	return errors.Wrap(err, "pg create")
}
func (s *Postgres) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	start := time.Now()
	defer s.floor.pad(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		expiresAt sql.NullTime
		maxViews  sql.NullInt64
	)
	p := domain.Paste{ID: id}
	err := s.db.QueryRowContext(queryCtx, `
		UPDATE pastes SET view_count = view_count + 1
		WHERE id = $1
			AND (expires_at IS NULL OR expires_at > $2)
			AND (max_views IS NULL OR view_count < max_views)
		RETURNING content, created_at, expires_at, max_views, view_count
	`, id, now.UTC()).Scan(&p.Content, &p.CreatedAt, &expiresAt, &maxViews, &p.ViewCount)
	if err == sql.ErrNoRows {
		return nil, s.classifyMiss(queryCtx, id)
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "pg consume")
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = timePtr(expiresAt)
	p.MaxViews = intPtr(maxViews)
	return &p, nil
}
func (s *Postgres) classifyMiss(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pastes WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "exists check failed")
	}
	return domain.ErrPasteNotAvailable
}
func (s *Postgres) DeleteRetired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	result, err := s.db.ExecContext(queryCtx, `
		DELETE FROM pastes
		WHERE id IN (
			SELECT id FROM pastes
			WHERE (expires_at IS NOT NULL AND expires_at < $1)
				OR (max_views IS NOT NULL AND view_count >= max_views AND created_at < $1)
			LIMIT $2
		)
	`, cutoff.UTC(), limit)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup batch failed")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}
func (s *Postgres) Close() error {
	return s.db.Close()
}
