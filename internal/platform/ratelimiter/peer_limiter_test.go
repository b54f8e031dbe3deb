package ratelimiter

import (
	"testing"
	"time"
)

func TestNewPeerLimiterRejectsBadArgs(t *testing.T) {
	if NewPeerLimiter(0, 5, time.Minute) != nil {
		t.Fatalf("expected nil limiter for zero rps")
	}
	if NewPeerLimiter(10, 0, time.Minute) != nil {
		t.Fatalf("expected nil limiter for zero burst")
	}
}

func TestNilLimiterAdmitsEverything(t *testing.T) {
	var l *PeerLimiter
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("dm1peer", now) {
			t.Fatalf("nil limiter denied request %d", i)
		}
	}
}

func TestAllowEnforcesBurstPerPeer(t *testing.T) {
	l := NewPeerLimiter(1, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("dm1alice", now) {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if l.Allow("dm1alice", now) {
		t.Fatalf("request beyond burst should be denied")
	}
	// A different peer has its own bucket.
	if !l.Allow("dm1bob", now) {
		t.Fatalf("independent peer should be admitted")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewPeerLimiter(2, 1, time.Minute)
	now := time.Now()

	if !l.Allow("dm1alice", now) {
		t.Fatalf("first request denied")
	}
	if l.Allow("dm1alice", now) {
		t.Fatalf("second immediate request should be denied")
	}
	if !l.Allow("dm1alice", now.Add(time.Second)) {
		t.Fatalf("request after refill window should be admitted")
	}
}

func TestIdleBucketsEvicted(t *testing.T) {
	l := NewPeerLimiter(100, 10, time.Second)
	now := time.Now()

	l.Allow("dm1stale", now)
	if l.TrackedPeers() != 1 {
		t.Fatalf("expected 1 tracked peer, got %d", l.TrackedPeers())
	}

	// Drive enough hits from a fresh peer to trigger the sweep after
	// the stale bucket passes its idle TTL.
	later := now.Add(5 * time.Second)
	for i := 0; i < 256; i++ {
		l.Allow("dm1fresh", later)
	}
	if l.TrackedPeers() != 1 {
		t.Fatalf("expected stale peer evicted, tracked=%d", l.TrackedPeers())
	}
}

func TestBlankPeerIDAdmitted(t *testing.T) {
	l := NewPeerLimiter(1, 1, time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("   ", now) {
			t.Fatalf("blank peer id should bypass limiting")
		}
	}
	if l.TrackedPeers() != 0 {
		t.Fatalf("blank peer id should not allocate a bucket")
	}
}
