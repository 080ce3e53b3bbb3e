package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	"ephemera/pkg/domain"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

// Options tunes every backend. Zero values fall back to the package defaults.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
	// MinResponseTime is the floor for a lookup, hit or miss, plus up to 40% jitter.
	MinResponseTime time.Duration
	// Retention keeps retired records around this long before a backend with native
	// expiry drops them. Zero keeps them until the sweeper runs.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns < 0 || o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	return o
}

type breaker struct {
	failures      int32
	circuitState  int32
	circuitOpened int64
}

func (b *breaker) checkCircuit() error {
	state := atomic.LoadInt32(&b.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&b.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&b.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// recordError feeds the breaker. Misses, duplicates and cancellations are caller outcomes,
// not backend faults, so they never trip it.
func (b *breaker) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, domain.ErrPasteNotFound) ||
		errors.Is(err, domain.ErrPasteNotAvailable) ||
		errors.Is(err, domain.ErrDuplicateID) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&b.circuitState, circuitOpen)
		atomic.StoreInt64(&b.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.circuitState) == circuitClosed {
		atomic.StoreInt32(&b.circuitState, circuitOpen)
		atomic.StoreInt64(&b.circuitOpened, time.Now().Unix())
	}
}

type floor time.Duration

// pad sleeps until min plus jitter has passed since start, so that hits and misses
// are not told apart by latency.
func (f floor) pad(start time.Time) {
	if f <= 0 {
		return
	}
	min := time.Duration(f)
	jitter := min * 2 / 5
	var jitterNanos int64
	if jitter > 0 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			jitterNanos = int64(jitter)
		} else {
			jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(jitter))
		}
	}
	target := min + time.Duration(jitterNanos)
	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time.UTC()
	return &t
}
