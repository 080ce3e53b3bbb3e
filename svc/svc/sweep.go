package svc

import (
	"context"
	"sync/atomic"
	"time"

	"ephemera/metrics"
	"ephemera/svc/db"
	"ephemera/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	sweepBatchSize     = 100
	sweepMaxBatches    = 10000
	sweepBatchesPerSec = 20
)

// Sweeper physically removes pastes that have been retired for longer than the retention.
// Reads never depend on it: an expired or exhausted paste is unavailable whether or not
// its row is still there.
type Sweeper struct {
	store     db.Sweepable
	interval  time.Duration
	retention time.Duration
	limiter   *rate.Limiter
	running   atomic.Bool
	now       func() time.Time
}

func NewSweeper(store db.Sweepable, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		limiter:   rate.NewLimiter(rate.Limit(sweepBatchesPerSec), 1),
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("sweeper already running")
	}
	defer s.running.Store(false)
	requestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, requestID)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", requestID).
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			util.Info().Str("request_id", requestID).Msg("sweeper shutting down")
			return nil
		case <-ticker.C:
			deleted, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Int("deleted", deleted).
					Msg("sweep failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("sweep completed")
			}
		}
	}
}

// SweepOnce deletes in batches until a batch comes back short.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	metrics.SweepCycles.Inc()
	cutoff := s.now().UTC().Add(-s.retention)
	total := 0
	for i := 0; i < sweepMaxBatches; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return total, err
		}
		deleted, err := s.store.DeleteRetired(ctx, cutoff, sweepBatchSize)
		total += deleted
		metrics.SweptRows.Add(float64(deleted))
		if err != nil {
			return total, errors.Wrap(err, "sweep batch")
		}
		if deleted < sweepBatchSize {
			return total, nil
		}
	}
	return total, errors.New("sweep hit iteration limit, more records may exist")
}
