package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"ephemera/cfg"
	"ephemera/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pasteKeyPrefix = "paste:"

// Each paste is a hash. Both scripts run atomically on the server, which is what makes
// the view gate safe across replicas.
var (
	createScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 1 then
			return 0
		end
		redis.call("HSET", KEYS[1], "content", ARGV[1], "created_at", ARGV[2], "view_count", 0)
		if ARGV[3] ~= "" then
			redis.call("HSET", KEYS[1], "expires_at", ARGV[3])
		end
		if ARGV[4] ~= "" then
			redis.call("HSET", KEYS[1], "max_views", ARGV[4])
		end
		if ARGV[5] ~= "" then
			redis.call("PEXPIREAT", KEYS[1], ARGV[5])
		end
		return 1
	`)
	consumeScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return {0}
		end
		local now = tonumber(ARGV[1])
		local f = redis.call("HMGET", KEYS[1], "content", "created_at", "expires_at", "max_views", "view_count")
		local exp = f[3]
		local maxv = f[4]
		local views = tonumber(f[5]) or 0
		if exp and exp ~= "" and now >= tonumber(exp) then
			return {-1}
		end
		if maxv and maxv ~= "" and views >= tonumber(maxv) then
			return {-1}
		end
		views = redis.call("HINCRBY", KEYS[1], "view_count", 1)
		if maxv and maxv ~= "" and views >= tonumber(maxv) and ARGV[2] ~= "" then
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return {1, views, f[1], f[2], exp or "", maxv or ""}
	`)
)

type Redis struct {
	client    *redis.Client
	timeout   time.Duration
	retention time.Duration
	floor     floor
}

func NewRedis(url string, c *cfg.Cfg, opts Options) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	return NewRedisClient(redis.NewClient(opt), c.RedisTimeout, opts)
}

// NewRedisClient wraps an already configured client.
func NewRedisClient(client *redis.Client, timeout time.Duration, opts Options) (*Redis, error) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:    client,
		timeout:   timeout,
		retention: opts.Retention,
		floor:     floor(opts.MinResponseTime),
	}, nil
}
func buildRedisTLSConfig(env string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, fmt.Errorf("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	if env != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}
func (r *Redis) Create(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var expiresAt, maxViews, dropAt string
	if p.ExpiresAt != nil {
		expiresAt = strconv.FormatInt(toMillis(*p.ExpiresAt), 10)
		if r.retention > 0 {
			dropAt = strconv.FormatInt(toMillis(p.ExpiresAt.Add(r.retention)), 10)
		}
	}
	if p.MaxViews != nil {
		maxViews = strconv.Itoa(*p.MaxViews)
	}
	created, err := createScript.Run(ctx, r.client, []string{pasteKeyPrefix + p.ID},
		p.Content, toMillis(p.CreatedAt), expiresAt, maxViews, dropAt,
	).Int()
	if err != nil {
		return errors.Wrap(err, "redis create")
	}
	if created == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}
func (r *Redis) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	start := time.Now()
	defer r.floor.pad(start)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var retention string
	if r.retention > 0 {
		retention = strconv.FormatInt(r.retention.Milliseconds(), 10)
	}
	res, err := consumeScript.Run(ctx, r.client, []string{pasteKeyPrefix + id}, toMillis(now), retention).Slice()
	if err != nil {
		return nil, errors.Wrap(err, "redis consume")
	}
	if len(res) == 0 {
		return nil, errors.New("redis consume: empty script reply")
	}
	switch status, _ := res[0].(int64); status {
	case 0:
		return nil, domain.ErrPasteNotFound
	case -1:
		return nil, domain.ErrPasteNotAvailable
	}
	return decodeConsumed(id, res)
}
func decodeConsumed(id string, res []interface{}) (*domain.Paste, error) {
	if len(res) != 6 {
		return nil, errors.Errorf("redis consume: unexpected reply length %d", len(res))
	}
	views, _ := res[1].(int64)
	content, _ := res[2].(string)
	createdRaw, _ := res[3].(string)
	expRaw, _ := res[4].(string)
	maxRaw, _ := res[5].(string)
	createdMs, err := strconv.ParseInt(createdRaw, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "redis consume: created_at")
	}
	p := &domain.Paste{
		ID:        id,
		Content:   content,
		CreatedAt: fromMillis(createdMs),
		ViewCount: int(views),
	}
	if expRaw != "" {
		ms, err := strconv.ParseInt(expRaw, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "redis consume: expires_at")
		}
		t := fromMillis(ms)
		p.ExpiresAt = &t
	}
	if maxRaw != "" {
		n, err := strconv.Atoi(maxRaw)
		if err != nil {
			return nil, errors.Wrap(err, "redis consume: max_views")
		}
		p.MaxViews = &n
	}
	return p, nil
}
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
