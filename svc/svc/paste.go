package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ephemera/cfg"
	"ephemera/metrics"
	"ephemera/pkg/domain"
	"ephemera/pkg/kms"
	"ephemera/svc/db"
	"ephemera/svc/events"
	"ephemera/svc/util"

	"github.com/pkg/errors"
)

const (
	maxCreateAttempts = 5
	eventQueueSize    = 256
	eventWorkers      = 2
)

// Paste owns creation and the consuming read. Availability is decided by the store in
// the same operation that counts the view, never by a check made beforehand.
type Paste struct {
	store     db.Store
	sealer    *kms.Sealer
	publisher events.Publisher
	baseURL   string
	maxSize   int64
	shutdown  atomic.Bool
	opWg      sync.WaitGroup

	// queue is closed under queueMu once shutdown has drained the in-flight calls.
	queue       chan events.Event
	queueMu     sync.RWMutex
	queueClosed bool
	eventWg     sync.WaitGroup
}

type Option func(*Paste)

// WithSealer encrypts content at rest.
func WithSealer(s *kms.Sealer) Option {
	return func(p *Paste) { p.sealer = s }
}

// WithPublisher emits lifecycle events after each create and successful read. Without it
// events go to events.Nop.
func WithPublisher(pub events.Publisher) Option {
	return func(p *Paste) { p.publisher = pub }
}

func NewPaste(store db.Store, c *cfg.Cfg, opts ...Option) *Paste {
	if store == nil || c == nil {
		panic("paste service: nil dependency (store or cfg)")
	}
	p := &Paste{
		store:     store,
		publisher: events.Nop{},
		baseURL:   c.BaseURL,
		maxSize:   c.MaxPasteSize,
		queue:     make(chan events.Event, eventQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.publisher == nil {
		p.publisher = events.Nop{}
	}
	for i := 0; i < eventWorkers; i++ {
		p.eventWg.Add(1)
		go p.eventWorker()
	}
	return p
}
func (p *Paste) eventWorker() {
	defer p.eventWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("eventWorker panicked")
		}
	}()
	for e := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.publisher.Publish(ctx, e); err != nil {
			util.Warn().Err(err).Str("type", e.Type).Msg("failed to publish event")
		}
		cancel()
	}
}

// Create validates params and persists a new paste created at now.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams, now time.Time) (*domain.Created, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if err := params.Validate(p.maxSize); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id, err := util.GenID()
		if err != nil {
			return nil, domain.NewStorageError("create", err)
		}
		paste := domain.NewPaste(id, params, now)
		record := *paste
		if p.sealer != nil {
			record.Content, err = p.sealer.Seal(ctx, id, paste.Content)
			if err != nil {
				metrics.StorageErrors.WithLabelValues("seal").Inc()
				util.Error().Err(err).Str("id", id).Msg("failed to seal paste content")
				return nil, domain.NewStorageError("seal", err)
			}
			metrics.EncryptionOps.WithLabelValues("seal").Inc()
		}
		err = p.store.Create(ctx, &record)
		if errors.Is(err, domain.ErrDuplicateID) {
			metrics.IDCollisions.Inc()
			util.Warn().Str("id", id).Int("attempt", attempt+1).Msg("paste id collision, retrying")
			continue
		}
		if err != nil {
			metrics.StorageErrors.WithLabelValues("create").Inc()
			util.Error().Err(err).Str("id", id).Msg("failed to persist paste")
			return nil, domain.NewStorageError("create", err)
		}
		metrics.PasteCreated.Inc()
		util.Info().
			Int("size", len(paste.Content)).
			Bool("ttl", paste.ExpiresAt != nil).
			Bool("view_limit", paste.MaxViews != nil).
			Msg("paste created")
		p.emit(events.Event{
			Type:       events.TypeCreated,
			ID:         id,
			OccurredAt: paste.CreatedAt,
			ExpiresAt:  paste.ExpiresAt,
			MaxViews:   paste.MaxViews,
		})
		return &domain.Created{
			ID:        id,
			URL:       p.baseURL + "/p/" + id,
			CreatedAt: paste.CreatedAt,
			ExpiresAt: paste.ExpiresAt,
		}, nil
	}
	metrics.StorageErrors.WithLabelValues("create").Inc()
	return nil, domain.NewStorageError("create", errors.Errorf("id collision after %d attempts", maxCreateAttempts))
}

// FetchAndConsume returns the content and counts one view if the paste is available at now.
// A miss is ErrPasteNotFound for handles that never existed and ErrPasteNotAvailable for
// expired or exhausted ones; neither changes the view count. An acknowledged increment is
// not undone if the caller goes away afterwards.
func (p *Paste) FetchAndConsume(ctx context.Context, handle string, now time.Time) (*domain.View, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	id, ok := util.CanonicalID(handle)
	if !ok {
		metrics.PasteUnavailable.WithLabelValues(metrics.ReasonNotFound).Inc()
		return nil, domain.ErrPasteNotFound
	}
	paste, err := p.store.Consume(ctx, id, now.UTC())
	switch {
	case errors.Is(err, domain.ErrPasteNotFound):
		metrics.PasteUnavailable.WithLabelValues(metrics.ReasonNotFound).Inc()
		return nil, domain.ErrPasteNotFound
	case errors.Is(err, domain.ErrPasteNotAvailable):
		metrics.PasteUnavailable.WithLabelValues(metrics.ReasonRetired).Inc()
		return nil, domain.ErrPasteNotAvailable
	case err != nil:
		metrics.StorageErrors.WithLabelValues("consume").Inc()
		util.Error().Err(err).Str("id", id).Msg("failed to consume paste")
		return nil, domain.NewStorageError("consume", err)
	}
	if p.sealer != nil && kms.IsSealed(paste.Content) {
		paste.Content, err = p.sealer.Open(ctx, id, paste.Content)
		if err != nil {
			metrics.StorageErrors.WithLabelValues("open").Inc()
			util.Error().Err(err).Str("id", id).Msg("failed to open sealed paste")
			return nil, domain.NewStorageError("open", err)
		}
		metrics.EncryptionOps.WithLabelValues("open").Inc()
	}
	metrics.PasteConsumed.Inc()
	view := domain.NewView(paste)
	util.Debug().Str("id", id).Int("view_count", paste.ViewCount).Msg("paste consumed")
	p.emit(events.Event{
		Type:           events.TypeViewed,
		ID:             id,
		OccurredAt:     now.UTC(),
		ExpiresAt:      paste.ExpiresAt,
		MaxViews:       paste.MaxViews,
		RemainingViews: view.RemainingViews,
	})
	return view, nil
}
func (p *Paste) Ping(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}
// emit never blocks the request path: when the queue is full the event is dropped.
func (p *Paste) emit(e events.Event) {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.queueClosed {
		return
	}
	select {
	case p.queue <- e:
	default:
		metrics.EventsPublished.WithLabelValues(e.Type, "dropped").Inc()
		util.Warn().Str("type", e.Type).Msg("event queue full, dropping event")
	}
}

// Shutdown rejects new calls, waits for in-flight ones, then drains queued events.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		p.queueMu.Lock()
		if !p.queueClosed {
			p.queueClosed = true
			close(p.queue)
		}
		p.queueMu.Unlock()
		p.eventWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("in-flight paste operations didn't finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}
