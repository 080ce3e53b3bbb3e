package db

import (
	"context"
	"time"

	"ephemera/cfg"
	"ephemera/pkg/domain"
	"ephemera/svc/util"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// Store is what every backend offers the paste service.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) error
	Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweepable backends can physically remove retired records in batches.
type Sweepable interface {
	DeleteRetired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

var (
	_ Store     = (*SQLite)(nil)
	_ Store     = (*Postgres)(nil)
	_ Store     = (*MySQL)(nil)
	_ Store     = (*Redis)(nil)
	_ Store     = (*Mongo)(nil)
	_ Sweepable = (*SQLite)(nil)
	_ Sweepable = (*Postgres)(nil)
	_ Sweepable = (*MySQL)(nil)
	_ Sweepable = (*Mongo)(nil)
)

func OptionsFrom(c *cfg.Cfg) Options {
	opts := Options{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		QueryTimeout:    c.DBQueryTimeout,
		MinResponseTime: c.MinResponseTime,
	}
	if c.SweepInterval > 0 {
		opts.Retention = c.SweepRetention
	}
	return opts
}

// connString picks the connection string for the configured driver. dsn overrides the
// configured value, for callers that resolved it from a secret store.
func connString(c *cfg.Cfg, dsn string) string {
	if dsn != "" && c.StoreDriver != cfg.DriverSQLite && c.StoreDriver != cfg.DriverRedis {
		return dsn
	}
	switch c.StoreDriver {
	case cfg.DriverSQLite:
		return c.DatabasePath
	case cfg.DriverPostgres:
		return c.DatabaseURL.Value()
	case cfg.DriverMySQL:
		return c.MySQLDSN.Value()
	case cfg.DriverRedis:
		return c.RedisURL
	case cfg.DriverMongo:
		return c.MongoURI.Value()
	}
	return ""
}

// Target names the store Open would connect to, with credentials removed, for logs.
func Target(c *cfg.Cfg, dsn string) string {
	s := connString(c, dsn)
	if c.StoreDriver == cfg.DriverMySQL {
		mc, err := mysql.ParseDSN(s)
		if err != nil {
			return "[unparseable dsn]"
		}
		mc.Passwd = ""
		return mc.FormatDSN()
	}
	return util.RedactDSN(s)
}

// Open connects the backend named by STORE_DRIVER.
func Open(c *cfg.Cfg, dsn string) (Store, error) {
	opts := OptionsFrom(c)
	target := connString(c, dsn)
	switch c.StoreDriver {
	case cfg.DriverSQLite:
		return NewSQLite(target, opts)
	case cfg.DriverPostgres:
		return NewPostgres(target, opts)
	case cfg.DriverMySQL:
		return NewMySQL(target, opts)
	case cfg.DriverRedis:
		return NewRedis(target, c, opts)
	case cfg.DriverMongo:
		return NewMongo(target, c.MongoDatabase, opts)
	}
	return nil, errors.Errorf("unknown store driver %q", c.StoreDriver)
}
