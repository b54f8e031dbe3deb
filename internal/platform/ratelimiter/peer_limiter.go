package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PeerLimiter applies a token bucket per peer id so one flooding peer
// cannot starve inbound processing for the rest. Idle buckets are
// evicted opportunistically during Allow calls.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	peers map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPeerLimiter returns nil for non-positive rps or burst; a nil
// limiter admits everything.
func NewPeerLimiter(rps float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		peers:   make(map[string]*bucket),
	}
}

// Allow reports whether peerID may send one more message at now.
func (l *PeerLimiter) Allow(peerID string, now time.Time) bool {
	if l == nil {
		return true
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.peers[peerID]
	if !ok {
		b = &bucket{
			limiter:  rate.NewLimiter(l.limit, l.burst),
			lastSeen: now,
		}
		l.peers[peerID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range l.peers {
			if v.lastSeen.Before(cutoff) {
				delete(l.peers, id)
			}
		}
	}
	return allowed
}

// TrackedPeers reports how many peers currently hold a bucket.
func (l *PeerLimiter) TrackedPeers() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}
