package transport

import (
	"crypto/sha256"
	"math/bits"
	"sort"
	"sync"
	"time"

	"driftmesh/go-core/pkg/models"
)

const defaultBucketSize = 20

// routingKey maps an arbitrary node id onto the 256-bit DHT keyspace.
func routingKey(nodeID string) [32]byte {
	return sha256.Sum256([]byte(nodeID))
}

func xorDistance(a, b [32]byte) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// bucketIndex is the position of the highest set bit of the distance,
// 0 for the farthest bucket. Identical keys land in the last bucket.
func bucketIndex(distance [32]byte) int {
	for i, octet := range distance {
		if octet != 0 {
			return i*8 + bits.LeadingZeros8(octet)
		}
	}
	return len(distance)*8 - 1
}

func lessDistance(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

type routingEntry struct {
	desc models.PeerDescriptor
	key  [32]byte
}

// RoutingTable is a Kademlia-style k-bucket table keyed by XOR distance
// from the local node. Buckets hold at most bucketSize entries; when a
// bucket is full the stalest entry is evicted in favour of the newcomer.
type RoutingTable struct {
	mu         sync.RWMutex
	selfKey    [32]byte
	selfID     string
	bucketSize int
	buckets    [256][]routingEntry
}

func NewRoutingTable(selfID string, bucketSize int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = defaultBucketSize
	}
	return &RoutingTable{
		selfKey:    routingKey(selfID),
		selfID:     selfID,
		bucketSize: bucketSize,
	}
}

// Insert adds or refreshes a peer. The local node is never inserted.
func (rt *RoutingTable) Insert(desc models.PeerDescriptor) {
	if desc.ID == "" || desc.ID == rt.selfID {
		return
	}
	key := routingKey(desc.ID)
	idx := bucketIndex(xorDistance(rt.selfKey, key))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i := range bucket {
		if bucket[i].desc.ID == desc.ID {
			bucket[i].desc = desc
			return
		}
	}
	if len(bucket) >= rt.bucketSize {
		stalest := 0
		for i := 1; i < len(bucket); i++ {
			if bucket[i].desc.LastSeen.Before(bucket[stalest].desc.LastSeen) {
				stalest = i
			}
		}
		if !bucket[stalest].desc.LastSeen.Before(desc.LastSeen) {
			return
		}
		bucket[stalest] = routingEntry{desc: desc, key: key}
		rt.buckets[idx] = bucket
		return
	}
	rt.buckets[idx] = append(bucket, routingEntry{desc: desc, key: key})
}

func (rt *RoutingTable) Remove(nodeID string) {
	key := routingKey(nodeID)
	idx := bucketIndex(xorDistance(rt.selfKey, key))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i := range bucket {
		if bucket[i].desc.ID == nodeID {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (rt *RoutingTable) Get(nodeID string) (models.PeerDescriptor, bool) {
	key := routingKey(nodeID)
	idx := bucketIndex(xorDistance(rt.selfKey, key))

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, entry := range rt.buckets[idx] {
		if entry.desc.ID == nodeID {
			return entry.desc, true
		}
	}
	return models.PeerDescriptor{}, false
}

// Closest returns up to n peers ordered by XOR distance to target.
func (rt *RoutingTable) Closest(target string, n int) []models.PeerDescriptor {
	targetKey := routingKey(target)

	rt.mu.RLock()
	all := make([]routingEntry, 0, 64)
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return lessDistance(xorDistance(targetKey, all[i].key), xorDistance(targetKey, all[j].key))
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]models.PeerDescriptor, len(all))
	for i, entry := range all {
		out[i] = entry.desc
	}
	return out
}

func (rt *RoutingTable) All() []models.PeerDescriptor {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]models.PeerDescriptor, 0, 64)
	for _, bucket := range rt.buckets {
		for _, entry := range bucket {
			out = append(out, entry.desc)
		}
	}
	return out
}

func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, bucket := range rt.buckets {
		n += len(bucket)
	}
	return n
}

// EvictStale drops peers not seen within evictAfter and returns the
// ids of the evicted peers.
func (rt *RoutingTable) EvictStale(evictAfter time.Duration, now time.Time) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var evicted []string
	for idx, bucket := range rt.buckets {
		kept := bucket[:0]
		for _, entry := range bucket {
			if now.Sub(entry.desc.LastSeen) > evictAfter {
				evicted = append(evicted, entry.desc.ID)
				continue
			}
			kept = append(kept, entry)
		}
		rt.buckets[idx] = kept
	}
	return evicted
}
