package usecase

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if err := cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := cache.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	now = now.Add(time.Minute)
	if _, err := cache.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss after expiry, got %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, got %d", cache.Len())
	}
}

func TestMemoryCacheDel(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	_ = cache.Set(ctx, "k", []byte("v"), 0)
	if err := cache.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := cache.Del(ctx, "k"); err != nil {
		t.Fatalf("second Del: %v", err)
	}
	if _, err := cache.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestResultFraming(t *testing.T) {
	raw := encodeResult("image/png", []byte("a\nb"))
	result, err := decodeResult(raw)
	if err != nil {
		t.Fatalf("decodeResult: %v", err)
	}
	if result.ContentType != "image/png" || string(result.Data) != "a\nb" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := decodeResult([]byte("no-separator")); err == nil {
		t.Fatal("expected malformed entry error")
	}
}
