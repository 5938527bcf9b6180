package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, remaining, err := bucket.Allow(ctx, "rl:app")
	if err != nil || !allowed {
		t.Fatalf("first event: allowed=%v err=%v", allowed, err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %v, want 1", remaining)
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:app")
	if !allowed {
		t.Fatalf("second event should be allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "rl:app")
	if allowed {
		t.Fatalf("third event should be rejected")
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0, time.Minute)

	if allowed, _, _ := bucket.Allow(ctx, "rl:a"); !allowed {
		t.Fatalf("first event for a should be allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "rl:a"); allowed {
		t.Fatalf("a is exhausted, second event should be rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "rl:b"); !allowed {
		t.Fatalf("b has its own bucket, first event should be allowed")
	}

	// Refill cannot be exercised here: the script takes its clock from the
	// caller, not from miniredis.FastForward.
}
