package cfg

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port           string
	Environment    string
	LogLevel       string
	BaseURL        string
	TestMode       bool
	StoreDriver    string
	DatabasePath   string
	DatabaseURL    Secret
	DatabaseSecret string
	MySQLDSN       Secret
	MongoURI       Secret
	MongoDatabase  string
	RedisURL       string
	RedisTLS       bool
	RedisUsername  string
	RedisPassword  Secret
	RedisTimeout   time.Duration
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration
	// MinResponseTime pads store lookups so a missing handle and a retired one take the same time.
	MinResponseTime time.Duration
	MaxPasteSize    int64
	ContextTimeout  time.Duration
	AllowedOrigins  []string
	MetricsUser     string
	MetricsPass     Secret
	SealContent     bool
	KEKCacheSize    int
	KEKCacheTTL     time.Duration
	AMQPURL         Secret
	AMQPExchange    string
	SweepInterval   time.Duration
	SweepRetention  time.Duration
	PprofAddr       string
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", ""), "/")
	c.TestMode = getEnv("TEST_MODE", "0") == "1"
	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "ephemera.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.DatabaseSecret = getEnv("DATABASE_URL_SECRET", "")
	c.MySQLDSN = NewSecret(getEnv("MYSQL_DSN", ""))
	c.MongoURI = NewSecret(getEnv("MONGO_URI", ""))
	c.MongoDatabase = getEnv("MONGO_DATABASE", "ephemera")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.SealContent = getEnv("SEAL_CONTENT", "false") == "true"
	c.AMQPURL = NewSecret(getEnv("AMQP_URL", ""))
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", "paste.events")
	c.PprofAddr = getEnv("PPROF_ADDR", "")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.MinResponseTime, err = getDuration("MIN_RESPONSE_TIME", 0)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.KEKCacheSize, err = getInt("KEK_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	c.SweepRetention, err = getDuration("SWEEP_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:" + c.Port
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 0 || p > 65535 {
		return errors.New("PORT must be a number between 0 and 65535")
	}
	switch c.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("invalid ENVIRONMENT %q (development, production or test)", c.Environment)
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("BASE_URL must be an absolute http(s) URL")
	}
	if c.TestMode && c.Environment == "production" {
		return errors.New("TEST_MODE cannot be enabled in production")
	}

	switch c.StoreDriver {
	case DriverSQLite:
		if err := validateSQLitePath(c.DatabasePath); err != nil {
			return err
		}
	case DriverPostgres:
		if c.DatabaseURL.Value() == "" && c.DatabaseSecret == "" {
			return errors.New("DATABASE_URL or DATABASE_URL_SECRET is required for the postgres driver")
		}
	case DriverMySQL:
		if c.MySQLDSN.Value() == "" {
			return errors.New("MYSQL_DSN is required for the mysql driver")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis driver")
		}
	case DriverMongo:
		if c.MongoURI.Value() == "" {
			return errors.New("MONGO_URI is required for the mongo driver")
		}
		if c.MongoDatabase == "" {
			return errors.New("MONGO_DATABASE must not be empty")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}

	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS")
	}
	if c.DBQueryTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT must be positive")
	}
	if c.MinResponseTime < 0 || c.MinResponseTime > time.Second {
		return errors.New("MIN_RESPONSE_TIME must be between 0 and 1s")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}

	if c.SealContent {
		if c.KEKCacheSize <= 0 || c.KEKCacheSize > 100000 {
			return errors.New("KEK_CACHE_SIZE must be between 1 and 100000")
		}
		if c.KEKCacheTTL < 1*time.Minute {
			return errors.New("KEK_CACHE_TTL must be at least 1 minute")
		}
		if c.KEKCacheTTL > 1*time.Hour {
			return errors.New("KEK_CACHE_TTL should not exceed 1 hour (security risk)")
		}
	}
	if c.AMQPURL.Value() != "" && c.AMQPExchange == "" {
		return errors.New("AMQP_EXCHANGE must not be empty when AMQP_URL is set")
	}
	if c.SweepInterval < 0 {
		return errors.New("SWEEP_INTERVAL must not be negative")
	}
	if c.SweepInterval > 0 && c.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1 minute when enabled")
	}
	if c.SweepRetention < 0 {
		return errors.New("SWEEP_RETENTION must not be negative")
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}
func validateSQLitePath(path string) error {
	if path == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if path == ":memory:" {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) IsDevelopment() bool {
	return c.Environment == "development"
}
func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.MySQLDSN.Wipe()
	c.MongoURI.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.AMQPURL.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
