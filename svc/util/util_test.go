package util

import (
	"context"
	"strings"
	"testing"
)

func TestGenIDIsCanonical(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := GenID()
		if err != nil {
			t.Fatalf("GenID failed: %v", err)
		}
		canon, ok := CanonicalID(id)
		if !ok || canon != id {
			t.Fatalf("GenID produced non-canonical id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"6f1c1f43-5cc0-4f0a-9f55-0c1d1e5fcd8a", "6f1c1f43-5cc0-4f0a-9f55-0c1d1e5fcd8a", true},
		{"6F1C1F43-5CC0-4F0A-9F55-0C1D1E5FCD8A", "6f1c1f43-5cc0-4f0a-9f55-0c1d1e5fcd8a", true},
		{"6f1c1f435cc04f0a9f550c1d1e5fcd8a", "", false},
		{"{6f1c1f43-5cc0-4f0a-9f55-0c1d1e5fcd8a}", "", false},
		{"6f1c1f43-5cc0-1f0a-9f55-0c1d1e5fcd8a", "", false},
		{"zzzzzzzz-5cc0-4f0a-9f55-0c1d1e5fcd8a", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := CanonicalID(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CanonicalID(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRequestIDFrom(t *testing.T) {
	if got := RequestIDFrom("abcd-1234_XY"); got != "abcd-1234_XY" {
		t.Errorf("valid header replaced: %q", got)
	}
	for _, h := range []string{"", "short", "has space in it", "semi;colon;value", strings.Repeat("a", 65)} {
		got := RequestIDFrom(h)
		if got == h || len(got) != 36 {
			t.Errorf("RequestIDFrom(%q) = %q, want a fresh id", h, got)
		}
	}
}

func TestRequestIDContext(t *testing.T) {
	if GetRequestID(context.Background()) != "" {
		t.Error("empty context returned an id")
	}
	ctx := SetRequestID(context.Background(), "req-12345678")
	if GetRequestID(ctx) != "req-12345678" {
		t.Errorf("GetRequestID = %q", GetRequestID(ctx))
	}
}

func TestRedactIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.77:5555":     "192.168.1.0",
		"10.1.2.3":              "10.1.2.0",
		"[2001:db8:1:2::1]:443": "2001:db8::",
	}
	for in, want := range tests {
		if got := RedactIP(in); got != want {
			t.Errorf("RedactIP(%q) = %q, want %q", in, got, want)
		}
	}
	if got := RedactIP("not-an-ip"); !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP(garbage) = %q", got)
	}
}

func TestRedactDSN(t *testing.T) {
	got := RedactDSN("postgres://app:s3cret@db:5432/ephemera?sslmode=require")
	if strings.Contains(got, "s3cret") || !strings.Contains(got, "app") {
		t.Errorf("RedactDSN = %q", got)
	}
	got = RedactDSN("user=app password=s3cret host=db")
	if strings.Contains(got, "s3cret") {
		t.Errorf("RedactDSN(keyword form) = %q", got)
	}
}

func TestRedactLogLine(t *testing.T) {
	got := RedactLogLine("token=abc " + strings.Repeat("x", 48))
	if strings.Contains(got, "abc") || strings.Contains(got, strings.Repeat("x", 48)) {
		t.Errorf("RedactLogLine = %q", got)
	}
}

func TestWipe(t *testing.T) {
	b := []byte("key material")
	Wipe(b)
	for _, c := range b {
		if c != 0 {
			t.Fatal("Wipe left non-zero bytes")
		}
	}
}
