package db_test

import (
	"context"
	"testing"
	"time"

	"ephemera/svc/db"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func createTestRedis(t *testing.T, opts db.Options) (*db.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := db.NewRedisClient(client, time.Second, opts)
	if err != nil {
		t.Fatalf("NewRedisClient failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) db.Store {
		s, _ := createTestRedis(t, db.Options{})
		return s
	})
}

func TestRedisRetentionSetsKeyExpiry(t *testing.T) {
	s, mr := createTestRedis(t, db.Options{Retention: time.Hour})
	ctx := context.Background()

	withTTL := newPaste("ttl", intp(60), nil)
	mustCreate(t, s, withTTL)
	if !mr.Exists("paste:" + withTTL.ID) {
		t.Fatal("paste key missing")
	}
	if mr.TTL("paste:"+withTTL.ID) <= 0 {
		t.Error("expected a key expiry for a paste with ttl and retention")
	}

	limited := newPaste("views", nil, intp(1))
	mustCreate(t, s, limited)
	if mr.TTL("paste:"+limited.ID) != 0 {
		t.Error("view-limited paste should not expire before it is used up")
	}
	if _, err := s.Consume(ctx, limited.ID, base); err != nil {
		t.Fatal(err)
	}
	if mr.TTL("paste:"+limited.ID) <= 0 {
		t.Error("exhausted paste should get the retention expiry")
	}
}

func TestRedisNoRetentionKeepsKeys(t *testing.T) {
	s, mr := createTestRedis(t, db.Options{})
	p := newPaste("ttl", intp(60), nil)
	mustCreate(t, s, p)
	if mr.TTL("paste:"+p.ID) != 0 {
		t.Error("key expiry set without retention")
	}
}
