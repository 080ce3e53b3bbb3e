package kms

import (
	"context"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	a, err := NewLocalAdapter(key)
	if err != nil {
		t.Fatalf("NewLocalAdapter failed: %v", err)
	}
	return a
}

// countingCache stores keys in a map and counts loads.
type countingCache struct {
	m     map[string][]byte
	loads int
}

func (c *countingCache) Get(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.m[key]; ok {
		return append([]byte(nil), v...), nil
	}
	c.loads++
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.m[key] = append([]byte(nil), v...)
	return v, nil
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := NewSealer(newTestAdapter(t), nil)
	ctx := context.Background()
	for _, content := range []string{"x", "hello world", strings.Repeat("ü", 4096), "enc:v1:not really"} {
		sealed, err := s.Seal(ctx, "id-1", content)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if !IsSealed(sealed) {
			t.Fatalf("sealed value lacks prefix: %q", sealed)
		}
		if strings.Contains(sealed, "hello") {
			t.Error("plaintext visible in envelope")
		}
		got, err := s.Open(ctx, "id-1", sealed)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if got != content {
			t.Errorf("Open = %q, want %q", got, content)
		}
	}
}

func TestSealIsRandomised(t *testing.T) {
	s := NewSealer(newTestAdapter(t), nil)
	a, _ := s.Seal(context.Background(), "id", "same")
	b, _ := s.Seal(context.Background(), "id", "same")
	if a == b {
		t.Error("two seals of the same content are identical")
	}
}

func TestOpenBoundToPasteID(t *testing.T) {
	s := NewSealer(newTestAdapter(t), nil)
	sealed, err := s.Seal(context.Background(), "id-a", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), "id-b", sealed); err == nil {
		t.Fatal("envelope opened under a different paste id")
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealed, err := NewSealer(newTestAdapter(t), nil).Seal(context.Background(), "id", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSealer(newTestAdapter(t), nil).Open(context.Background(), "id", sealed); err == nil {
		t.Fatal("envelope opened with another key")
	}
}

func TestOpenMalformed(t *testing.T) {
	s := NewSealer(newTestAdapter(t), nil)
	for _, stored := range []string{"plain text", "enc:v1:", "enc:v1:!!!", "enc:v1:AAE"} {
		if _, err := s.Open(context.Background(), "id", stored); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("Open(%q): got %v, want ErrMalformedEnvelope", stored, err)
		}
	}
}

func TestOpenUsesKeyCache(t *testing.T) {
	c := &countingCache{m: map[string][]byte{}}
	s := NewSealer(newTestAdapter(t), c)
	ctx := context.Background()
	sealed, err := s.Seal(ctx, "id", "cached")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got, err := s.Open(ctx, "id", sealed)
		if err != nil || got != "cached" {
			t.Fatalf("Open %d = %q, %v", i, got, err)
		}
	}
	if c.loads != 1 {
		t.Errorf("loads = %d, want 1", c.loads)
	}
}
