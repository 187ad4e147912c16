package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"taxon/api/internal/store"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	sessionStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return sessionStore, s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessionStore, s := setupTestRedis(t)
	defer sessionStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 42, DisplayName: "Quinn", Rank: "tag-admin"}

	if err := sessionStore.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := sessionStore.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if got.ID != 42 || got.DisplayName != "Quinn" || got.Rank != "tag-admin" {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	sessionStore, s := setupTestRedis(t)
	defer sessionStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 7, DisplayName: "Sam", Rank: "member"}

	if err := sessionStore.SaveRefreshSession(ctx, "expired", user, time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := sessionStore.LookupRefreshSession(ctx, "expired"); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	sessionStore, s := setupTestRedis(t)
	defer sessionStore.Close()
	defer s.Close()

	if _, err := sessionStore.LookupRefreshSession(context.Background(), "missing"); err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	sessionStore, s := setupTestRedis(t)
	defer sessionStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 9, DisplayName: "Alex", Rank: "member"}

	if err := sessionStore.SaveRefreshSession(ctx, "revoke-me", user, time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := sessionStore.RevokeRefreshSession(ctx, "revoke-me"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := sessionStore.LookupRefreshSession(ctx, "revoke-me"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}
}

func TestLookupDefaultsUnknownRankToMember(t *testing.T) {
	sessionStore, s := setupTestRedis(t)
	defer sessionStore.Close()
	defer s.Close()

	ctx := context.Background()
	user := store.User{ID: 3, DisplayName: "Kim"}

	if err := sessionStore.SaveRefreshSession(ctx, "no-rank", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	got, err := sessionStore.LookupRefreshSession(ctx, "no-rank")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if got.Rank != "member" {
		t.Fatalf("expected member rank fallback, got %q", got.Rank)
	}
}
