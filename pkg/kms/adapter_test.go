package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func clearProviderEnv(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_LOCAL_KEY", "")
	t.Setenv("KMS_FAIL_CLOSED", "")
}

func TestNewAdapterLocalFallback(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("KMS_LOCAL_KEY", testLocalKey)
	a, err := NewAdapter(context.Background())
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	if a.Name() != "local" {
		t.Errorf("Name = %q, want local", a.Name())
	}
	dek := []byte("0123456789abcdef0123456789abcdef")
	ec := EncryptionContext{"paste_id": "p1"}
	wrapped, err := a.EncryptWithContext(context.Background(), dek, ec)
	if err != nil {
		t.Fatalf("EncryptWithContext failed: %v", err)
	}
	got, err := a.DecryptWithContext(context.Background(), wrapped, ec)
	if err != nil {
		t.Fatalf("DecryptWithContext failed: %v", err)
	}
	if !bytes.Equal(got, dek) {
		t.Error("round trip changed the key")
	}
	if _, err := a.DecryptWithContext(context.Background(), wrapped, EncryptionContext{"paste_id": "p2"}); err == nil {
		t.Error("decrypt succeeded with a different context")
	}
}

func TestNewAdapterNoProviders(t *testing.T) {
	clearProviderEnv(t)
	if _, err := NewAdapter(context.Background()); err == nil {
		t.Fatal("expected error with no providers configured")
	}
}

func TestNewAdapterRejectsBadLocalKey(t *testing.T) {
	clearProviderEnv(t)
	for _, key := range []string{"not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		t.Setenv("KMS_LOCAL_KEY", key)
		if _, err := NewAdapter(context.Background()); err == nil {
			t.Errorf("KMS_LOCAL_KEY=%q accepted", key)
		}
	}
}

func TestNewLocalAdapterKeyLength(t *testing.T) {
	if _, err := NewLocalAdapter(make([]byte, 16)); err == nil {
		t.Error("16-byte key accepted")
	}
	if _, err := NewLocalAdapter(make([]byte, 32)); err != nil {
		t.Errorf("32-byte key rejected: %v", err)
	}
}

func TestLocalGetSecretReadsEnv(t *testing.T) {
	a, err := NewLocalAdapter(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("EPHEMERA_TEST_SECRET", "postgres://u:p@db/ephemera")
	got, err := a.GetSecret(context.Background(), "EPHEMERA_TEST_SECRET")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got != "postgres://u:p@db/ephemera" {
		t.Errorf("GetSecret = %q", got)
	}
	if _, err := a.GetSecret(context.Background(), "EPHEMERA_TEST_MISSING_SECRET"); err == nil {
		t.Error("missing secret returned no error")
	}
}

func TestSerializeEncryptionContextIsOrdered(t *testing.T) {
	a := serializeEncryptionContext(EncryptionContext{"b": "2", "a": "1"})
	b := serializeEncryptionContext(EncryptionContext{"a": "1", "b": "2"})
	if !bytes.Equal(a, b) || string(a) != "a=1;b=2;" {
		t.Errorf("serialized = %q / %q", a, b)
	}
	if serializeEncryptionContext(nil) != nil {
		t.Error("empty context should serialize to nil")
	}
}
