package db_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ephemera/pkg/domain"
	"ephemera/svc/db"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var base = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

func newPaste(content string, ttl, maxViews *int) *domain.Paste {
	return domain.NewPaste(uuid.NewString(), domain.CreateParams{
		Content:    content,
		TTLSeconds: ttl,
		MaxViews:   maxViews,
	}, base)
}

func mustCreate(t *testing.T, s db.Store, p *domain.Paste) {
	t.Helper()
	if err := s.Create(context.Background(), p); err != nil {
		t.Fatalf("Create(%s) failed: %v", p.ID, err)
	}
}

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) db.Store) {
	ctx := context.Background()

	t.Run("consume returns stored fields and counts views", func(t *testing.T) {
		s := open(t)
		p := newPaste("hello world", intp(60), intp(2))
		mustCreate(t, s, p)

		got, err := s.Consume(ctx, p.ID, base.Add(time.Second))
		if err != nil {
			t.Fatalf("first consume failed: %v", err)
		}
		if got.Content != p.Content {
			t.Errorf("content = %q, want %q", got.Content, p.Content)
		}
		if got.ViewCount != 1 {
			t.Errorf("view_count = %d, want 1", got.ViewCount)
		}
		if !got.CreatedAt.Equal(p.CreatedAt) {
			t.Errorf("created_at = %v, want %v", got.CreatedAt, p.CreatedAt)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*p.ExpiresAt) {
			t.Errorf("expires_at = %v, want %v", got.ExpiresAt, p.ExpiresAt)
		}
		if got.MaxViews == nil || *got.MaxViews != 2 {
			t.Errorf("max_views = %v, want 2", got.MaxViews)
		}

		got, err = s.Consume(ctx, p.ID, base.Add(2*time.Second))
		if err != nil {
			t.Fatalf("second consume failed: %v", err)
		}
		if got.ViewCount != 2 {
			t.Errorf("view_count = %d, want 2", got.ViewCount)
		}

		_, err = s.Consume(ctx, p.ID, base.Add(3*time.Second))
		if !errors.Is(err, domain.ErrPasteNotAvailable) {
			t.Fatalf("third consume: got %v, want ErrPasteNotAvailable", err)
		}
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		s := open(t)
		_, err := s.Consume(ctx, uuid.NewString(), base)
		if !errors.Is(err, domain.ErrPasteNotFound) {
			t.Fatalf("got %v, want ErrPasteNotFound", err)
		}
	})

	t.Run("time gate is exclusive at expiry and misses are not counted", func(t *testing.T) {
		s := open(t)
		p := newPaste("ttl", intp(10), nil)
		mustCreate(t, s, p)
		exp := *p.ExpiresAt

		for _, at := range []time.Time{exp, exp.Add(time.Millisecond), exp.Add(time.Hour)} {
			if _, err := s.Consume(ctx, p.ID, at); !errors.Is(err, domain.ErrPasteNotAvailable) {
				t.Fatalf("consume at %v: got %v, want ErrPasteNotAvailable", at, err)
			}
		}
		got, err := s.Consume(ctx, p.ID, exp.Add(-time.Millisecond))
		if err != nil {
			t.Fatalf("consume just before expiry failed: %v", err)
		}
		if got.ViewCount != 1 {
			t.Errorf("view_count = %d, want 1 (misses must not count)", got.ViewCount)
		}
	})

	t.Run("unlimited paste never retires", func(t *testing.T) {
		s := open(t)
		p := newPaste("forever", nil, nil)
		mustCreate(t, s, p)
		var last *domain.Paste
		for i := 0; i < 5; i++ {
			got, err := s.Consume(ctx, p.ID, base.Add(time.Duration(i)*24*time.Hour))
			if err != nil {
				t.Fatalf("consume %d failed: %v", i, err)
			}
			last = got
		}
		if last.ViewCount != 5 {
			t.Errorf("view_count = %d, want 5", last.ViewCount)
		}
		if last.ExpiresAt != nil || last.MaxViews != nil {
			t.Errorf("expected no expiry and no view limit, got %v / %v", last.ExpiresAt, last.MaxViews)
		}
	})

	t.Run("content round-trips byte for byte", func(t *testing.T) {
		s := open(t)
		content := "  <script>alert('x')</script>\n\tcafé ☕ 🙂 \"quoted\" \\ back  \r\n"
		p := newPaste(content, nil, intp(1))
		mustCreate(t, s, p)
		got, err := s.Consume(ctx, p.ID, base)
		if err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if got.Content != content {
			t.Errorf("content = %q, want %q", got.Content, content)
		}
	})

	t.Run("duplicate id is reported", func(t *testing.T) {
		s := open(t)
		p := newPaste("first", nil, nil)
		mustCreate(t, s, p)
		dup := *p
		dup.Content = "second"
		if err := s.Create(ctx, &dup); !errors.Is(err, domain.ErrDuplicateID) {
			t.Fatalf("got %v, want ErrDuplicateID", err)
		}
		got, err := s.Consume(ctx, p.ID, base)
		if err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if got.Content != "first" {
			t.Errorf("duplicate insert overwrote content: %q", got.Content)
		}
	})

	t.Run("concurrent readers never exceed max views", func(t *testing.T) {
		s := open(t)
		const k, n = 3, 24
		p := newPaste("race", nil, intp(k))
		mustCreate(t, s, p)

		var ok, retired, other int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.Consume(ctx, p.ID, base)
				switch {
				case err == nil:
					atomic.AddInt32(&ok, 1)
				case errors.Is(err, domain.ErrPasteNotAvailable):
					atomic.AddInt32(&retired, 1)
				default:
					atomic.AddInt32(&other, 1)
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()
		if ok != k {
			t.Errorf("successes = %d, want %d", ok, k)
		}
		if retired != n-k {
			t.Errorf("not-available = %d, want %d", retired, n-k)
		}
	})

	t.Run("delete retired keeps live pastes", func(t *testing.T) {
		s := open(t)
		sw, ok := s.(db.Sweepable)
		if !ok {
			t.Skip("backend expires records natively")
		}
		expired := newPaste("expired", intp(1), nil)
		exhausted := newPaste("exhausted", nil, intp(1))
		live := newPaste("live", intp(3600), nil)
		for _, p := range []*domain.Paste{expired, exhausted, live} {
			mustCreate(t, s, p)
		}
		if _, err := s.Consume(ctx, exhausted.ID, base); err != nil {
			t.Fatalf("consume exhausted failed: %v", err)
		}

		deleted, err := sw.DeleteRetired(ctx, base.Add(time.Minute), 100)
		if err != nil {
			t.Fatalf("DeleteRetired failed: %v", err)
		}
		if deleted < 2 {
			t.Errorf("deleted = %d, want at least 2", deleted)
		}
		for _, id := range []string{expired.ID, exhausted.ID} {
			if _, err := s.Consume(ctx, id, base); !errors.Is(err, domain.ErrPasteNotFound) {
				t.Errorf("retired %s: got %v, want ErrPasteNotFound after sweep", id, err)
			}
		}
		if _, err := s.Consume(ctx, live.ID, base.Add(time.Minute)); err != nil {
			t.Errorf("live paste swept: %v", err)
		}
	})

	t.Run("ping", func(t *testing.T) {
		s := open(t)
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})
}
