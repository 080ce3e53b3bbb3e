package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ephemera/svc/db"
)

func createTestSQLite(t *testing.T, opts db.Options) *db.SQLite {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "ephemera.db"), opts)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) db.Store {
		return createTestSQLite(t, db.Options{})
	})
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ephemera.db")
	for i := 0; i < 2; i++ {
		s, err := db.NewSQLite(path, db.Options{})
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ephemera.db")
	s, err := db.NewSQLite(path, db.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := newPaste("durable", nil, intp(3))
	mustCreate(t, s, p)
	if _, err := s.Consume(context.Background(), p.ID, base); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = db.NewSQLite(path, db.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Consume(context.Background(), p.ID, base)
	if err != nil {
		t.Fatalf("consume after reopen failed: %v", err)
	}
	if got.ViewCount != 2 {
		t.Errorf("view_count = %d, want 2", got.ViewCount)
	}
}

func TestSQLiteResponseFloor(t *testing.T) {
	s := createTestSQLite(t, db.Options{MinResponseTime: 30 * time.Millisecond})
	start := time.Now()
	s.Consume(context.Background(), "00000000-0000-4000-8000-000000000000", base)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("miss returned after %v, want at least 30ms", elapsed)
	}
}

func TestSQLiteWALCheckpoint(t *testing.T) {
	s := createTestSQLite(t, db.Options{})
	mustCreate(t, s, newPaste("wal", nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.MaintainWAL(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("MaintainWAL did not return after cancel")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("store unusable after checkpoints: %v", err)
	}
}
