package db

import (
	"context"
	"database/sql"
	"time"

	"ephemera/pkg/domain"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS pastes (
		id CHAR(36) NOT NULL PRIMARY KEY,
		content LONGTEXT NOT NULL,
		created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		expires_at DATETIME(3) NULL,
		max_views INT NULL,
		view_count INT NOT NULL DEFAULT 0,
		INDEX idx_pastes_expires_at (expires_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin`,
}

const mysqlDuplicateEntry = 1062

// MySQL has no UPDATE ... RETURNING; Consume runs the guarded update and the read back in
// one transaction, with the row lock from the update held until commit.
type MySQL struct {
	breaker
	db           *sql.DB
	queryTimeout time.Duration
	floor        floor
}

func NewMySQL(dsn string, opts Options) (*MySQL, error) {
	opts = opts.withDefaults()
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = mergeParams(mc.Params, map[string]string{"time_zone": "'+00:00'"})
	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mysql")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping mysql")
	}
	for _, stmt := range mysqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "migration failed")
		}
	}
	return &MySQL{
		db:           db,
		queryTimeout: opts.QueryTimeout,
		floor:        floor(opts.MinResponseTime),
	}, nil
}
func mergeParams(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}
func (s *MySQL) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO pastes (id, content, created_at, expires_at, max_views, view_count)
		VALUES (?, ?, ?, ?, ?, 0)
	`, p.ID, p.Content, p.CreatedAt.UTC(), p.ExpiresAt, nullInt(p.MaxViews))
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		err = domain.ErrDuplicateID
	}
	s.recordError(err)
	if err == domain.ErrDuplicateID {
		return err
	}
	return errors.Wrap(err, "mysql create")
}
func (s *MySQL) Consume(ctx context.Context, id string, now time.Time) (p *domain.Paste, err error) {
	start := time.Now()
	defer s.floor.pad(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "begin consume")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(queryCtx, `
		UPDATE pastes SET view_count = view_count + 1
		WHERE id = ?
			AND (expires_at IS NULL OR expires_at > ?)
			AND (max_views IS NULL OR view_count < max_views)
	`, id, now.UTC())
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "mysql consume")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = s.classifyMiss(queryCtx, tx, id)
		return nil, err
	}
	var (
		expiresAt sql.NullTime
		maxViews  sql.NullInt64
	)
	p = &domain.Paste{ID: id}
	err = tx.QueryRowContext(queryCtx, `
		SELECT content, created_at, expires_at, max_views, view_count FROM pastes WHERE id = ?
	`, id).Scan(&p.Content, &p.CreatedAt, &expiresAt, &maxViews, &p.ViewCount)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "mysql consume read")
	}
	if err = tx.Commit(); err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "commit consume")
	}
	s.recordError(nil)
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = timePtr(expiresAt)
	p.MaxViews = intPtr(maxViews)
	return p, nil
}
func (s *MySQL) classifyMiss(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM pastes WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "exists check failed")
	}
	return domain.ErrPasteNotAvailable
}
func (s *MySQL) DeleteRetired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	// MySQL rejects LIMIT inside an IN subquery, but allows it on a single-table DELETE.
	result, err := s.db.ExecContext(queryCtx, `
		DELETE FROM pastes
		WHERE (expires_at IS NOT NULL AND expires_at < ?)
			OR (max_views IS NOT NULL AND view_count >= max_views AND created_at < ?)
		LIMIT ?
	`, cutoff.UTC(), cutoff.UTC(), limit)
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup batch failed")
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}
func (s *MySQL) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}
func (s *MySQL) Close() error {
	return s.db.Close()
}
