package svc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ephemera/cfg"
	"ephemera/pkg/domain"
	"ephemera/svc/db"
	"ephemera/svc/events"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	t0          = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
)

func loadTestEnv() {
	envLoadOnce.Do(func() {
		for _, p := range []string{".env.test", "../.env.test", "../../.env.test"} {
			if abs, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(abs); err == nil && godotenv.Load(abs) == nil {
					return
				}
			}
		}
	})
}

func createTestConfig() *cfg.Cfg {
	loadTestEnv()
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		LogLevel:       "error",
		BaseURL:        "http://paste.test",
		StoreDriver:    cfg.DriverSQLite,
		DatabasePath:   ":memory:",
		DBMaxOpenConns: 25,
		DBMaxIdleConns: 10,
		DBQueryTimeout: 5 * time.Second,
		MaxPasteSize:   1024,
		ContextTimeout: 10 * time.Second,
		KEKCacheSize:   100,
		KEKCacheTTL:    10 * time.Minute,
	}
}

func createTestSQLite(t *testing.T) *db.SQLite {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "ephemera.db"), db.Options{})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func intp(n int) *int { return &n }

// memStore applies the availability rule under one lock and records what it was given.
type memStore struct {
	mu         sync.Mutex
	pastes     map[string]domain.Paste
	createErrs []error
	consumeErr error
	creates    int
	consumes   int
}

func newMemStore() *memStore {
	return &memStore{pastes: make(map[string]domain.Paste)}
}
func (m *memStore) Create(ctx context.Context, p *domain.Paste) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := m.pastes[p.ID]; ok {
		return domain.ErrDuplicateID
	}
	m.pastes[p.ID] = *p
	return nil
}
func (m *memStore) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumes++
	if m.consumeErr != nil {
		return nil, m.consumeErr
	}
	p, ok := m.pastes[id]
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	if !p.IsAvailable(now) {
		return nil, domain.ErrPasteNotAvailable
	}
	p.ViewCount++
	m.pastes[id] = p
	return &p, nil
}
func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) stored(id string) (domain.Paste, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pastes[id]
	return p, ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}
