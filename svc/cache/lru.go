package cache

import (
	"context"
	"errors"
	"time"

	"ephemera/metrics"
	"ephemera/svc/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// KeyLRU holds unwrapped data keys for a bounded time so repeated reads of the same
// sealed paste skip the KMS round trip. Paste records themselves are never cached.
type KeyLRU struct {
	c     *expirable.LRU[string, []byte]
	group singleflight.Group
}

func NewKeyLRU(size int, ttl time.Duration) (*KeyLRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	return &KeyLRU{
		c: expirable.NewLRU[string, []byte](size, func(_ string, v []byte) { util.Wipe(v) }, ttl),
	}, nil
}

// Get returns a copy of the cached key, loading it once across concurrent callers on a miss.
func (l *KeyLRU) Get(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v, ok := l.c.Get(key); ok {
		metrics.CacheHits.Inc()
		return clone(v), nil
	}
	metrics.CacheMisses.Inc()
	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		if v, ok := l.c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		l.c.Add(key, clone(v))
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}
func (l *KeyLRU) Len() int {
	return l.c.Len()
}

// Purge drops and wipes every cached key.
func (l *KeyLRU) Purge() {
	l.c.Purge()
}
func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
