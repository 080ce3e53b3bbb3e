package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func intPtr(v int) *int { return &v }

func TestIsAvailableTimeGate(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPaste("id", CreateParams{Content: "x", TTLSeconds: intPtr(60)}, t0)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"at creation", t0, true},
		{"one second before expiry", t0.Add(59 * time.Second), true},
		{"at expiry instant", t0.Add(60 * time.Second), false},
		{"after expiry", t0.Add(61 * time.Second), false},
		{"much later", t0.Add(24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.IsAvailable(tt.now); got != tt.want {
				t.Errorf("IsAvailable(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsAvailableViewGate(t *testing.T) {
	now := time.Now()
	p := &Paste{Content: "x", MaxViews: intPtr(2)}
	if !p.IsAvailable(now) {
		t.Fatal("fresh paste should be available")
	}
	p.ViewCount = 1
	if !p.IsAvailable(now) {
		t.Fatal("paste with one view left should be available")
	}
	p.ViewCount = 2
	if p.IsAvailable(now) {
		t.Fatal("paste at max views should not be available")
	}
}

func TestIsAvailableUnlimited(t *testing.T) {
	p := &Paste{Content: "x", ViewCount: 1 << 20}
	if !p.IsAvailable(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Error("paste without ttl or max views should always be available")
	}
}

func TestRemainingViews(t *testing.T) {
	if (&Paste{}).RemainingViews() != nil {
		t.Error("unlimited paste should report nil remaining views")
	}
	p := &Paste{MaxViews: intPtr(3), ViewCount: 1}
	if got := *p.RemainingViews(); got != 2 {
		t.Errorf("RemainingViews = %d, want 2", got)
	}
	p.ViewCount = 5
	if got := *p.RemainingViews(); got != 0 {
		t.Errorf("RemainingViews = %d, want 0 when over limit", got)
	}
}

func TestCreateParamsValidate(t *testing.T) {
	tests := []struct {
		name  string
		p     CreateParams
		field string
	}{
		{"valid minimal", CreateParams{Content: "hello"}, ""},
		{"valid with limits", CreateParams{Content: "hello", TTLSeconds: intPtr(1), MaxViews: intPtr(1)}, ""},
		{"empty content", CreateParams{Content: ""}, "content"},
		{"whitespace content", CreateParams{Content: " \n\t "}, "content"},
		{"zero ttl", CreateParams{Content: "x", TTLSeconds: intPtr(0)}, "ttl_seconds"},
		{"negative ttl", CreateParams{Content: "x", TTLSeconds: intPtr(-5)}, "ttl_seconds"},
		{"zero max views", CreateParams{Content: "x", MaxViews: intPtr(0)}, "max_views"},
		{"negative max views", CreateParams{Content: "x", MaxViews: intPtr(-1)}, "max_views"},
		{"too large", CreateParams{Content: "0123456789A"}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate(10)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestNewPasteExpiry(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 8, 30, 0, 123456789, time.FixedZone("X", 3600))
	p := NewPaste("abc", CreateParams{Content: "c", TTLSeconds: intPtr(60), MaxViews: intPtr(2)}, t0)
	if p.CreatedAt.Location() != time.UTC {
		t.Error("CreatedAt should be UTC")
	}
	if p.CreatedAt.Nanosecond()%int(time.Millisecond) != 0 {
		t.Error("CreatedAt should be truncated to milliseconds")
	}
	if !p.ExpiresAt.Equal(p.CreatedAt.Add(60 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want CreatedAt+60s", p.ExpiresAt)
	}
	if p.ViewCount != 0 || *p.MaxViews != 2 {
		t.Errorf("unexpected counters: views=%d max=%d", p.ViewCount, *p.MaxViews)
	}
	if NewPaste("n", CreateParams{Content: "c"}, t0).ExpiresAt != nil {
		t.Error("paste without ttl should not expire")
	}
}

func TestPublicCollapsesMisses(t *testing.T) {
	for _, err := range []error{
		ErrPasteNotFound,
		ErrPasteNotAvailable,
		errors.Wrap(ErrPasteNotAvailable, "consume"),
	} {
		if got := Public(err); got != ErrPasteUnavailable {
			t.Errorf("Public(%v) = %v, want ErrPasteUnavailable", err, got)
		}
	}
	if got := Public(ErrInvalidRequest); got != ErrInvalidRequest {
		t.Errorf("Public should pass other errors through, got %v", got)
	}
}

func TestStatusAndResp(t *testing.T) {
	ve := NewValidationError("max_views", "bad")
	if Status(ve) != http.StatusBadRequest {
		t.Errorf("validation status = %d", Status(ve))
	}
	if ToResp(ve).Error.Meta["field"] != "max_views" {
		t.Error("validation response should carry the field")
	}
	se := NewStorageError("consume", errors.New("pq: connection refused"))
	if Status(se) != http.StatusInternalServerError {
		t.Errorf("storage status = %d", Status(se))
	}
	if msg := ToResp(se).Error.Msg; msg != "internal error" {
		t.Errorf("storage error leaked detail: %q", msg)
	}
	if Status(errors.Wrap(ErrPasteUnavailable, "x")) != http.StatusNotFound {
		t.Error("wrapped unavailable should map to 404")
	}
}
