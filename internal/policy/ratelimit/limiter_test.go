package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitSpacesRequestsPerHost(t *testing.T) {
	l := New(Config{RequestsPerSecond: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://webapps.example.gov/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://webapps.example.gov/b"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}

	start = time.Now()
	if err := l.Wait(ctx, "https://other.example.gov/"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("other host should not wait, took %v", dur)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 20; i++ {
		if err := l.Wait(context.Background(), "https://example.com"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLimiterContextCanceled(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.01, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "https://example.com"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "https://example.com"); err == nil {
		t.Fatal("expected error after cancel")
	}
}
