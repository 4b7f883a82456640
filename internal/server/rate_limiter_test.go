package server

import (
	"testing"
	"time"
)

func TestFrameBucketRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := newFrameBucket(RateLimitConfig{Burst: 4, RefillInterval: time.Second})
	bucket.now = func() time.Time { return now }
	bucket.last = now

	for i := 0; i < 4; i++ {
		if ok, _ := bucket.take(); !ok {
			t.Fatalf("frame %d rejected within burst", i+1)
		}
	}
	ok, retryAfter := bucket.take()
	if ok {
		t.Fatal("frame over burst allowed")
	}
	if retryAfter != 250*time.Millisecond {
		t.Errorf("retryAfter = %v, want 250ms", retryAfter)
	}

	now = now.Add(250 * time.Millisecond)
	if ok, _ := bucket.take(); !ok {
		t.Error("token not refilled after a quarter of the interval")
	}
	if ok, _ := bucket.take(); ok {
		t.Error("refill exceeded the elapsed time")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 4; i++ {
		if ok, _ := bucket.take(); !ok {
			t.Fatalf("frame %d rejected after full refill", i+1)
		}
	}
	if ok, _ := bucket.take(); ok {
		t.Error("refill exceeded capacity")
	}
}

func TestFrameBucketDefaults(t *testing.T) {
	bucket := newFrameBucket(RateLimitConfig{})
	if bucket.cfg.Burst != 1 || bucket.cfg.RefillInterval != time.Second {
		t.Errorf("cfg = %+v, want burst 1 per second", bucket.cfg)
	}
}
