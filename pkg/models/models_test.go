package models

import (
	"testing"
	"time"
)

func TestTransportKindValid(t *testing.T) {
	for _, k := range PreferenceChain() {
		if !k.Valid() {
			t.Fatalf("expected %s to be valid", k)
		}
	}
	if TransportKind("carrier-pigeon").Valid() {
		t.Fatal("expected unknown kind to be invalid")
	}
}

func TestPreferenceChainOrder(t *testing.T) {
	chain := PreferenceChain()
	if len(chain) != 4 {
		t.Fatalf("expected 4 transports, got %d", len(chain))
	}
	if chain[0] != TransportMesh || chain[len(chain)-1] != TransportOffline {
		t.Fatalf("unexpected chain order: %v", chain)
	}
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name   string
		health TransportHealth
		want   float64
	}{
		{
			name:   "unavailable scores zero",
			health: TransportHealth{Status: HealthUnavailable, Reliability: 100},
			want:   0,
		},
		{
			name:   "perfect link",
			health: TransportHealth{Status: HealthAvailable, LatencyMs: 0, Reliability: 100, Bandwidth: 10},
			want:   100,
		},
		{
			name:   "latency floor clamps at zero",
			health: TransportHealth{Status: HealthAvailable, LatencyMs: 5000, Reliability: 90, Bandwidth: 0},
			want:   30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.health.Score(); got != tt.want {
				t.Fatalf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncItemCloneIsDeep(t *testing.T) {
	item := SyncItem{ID: "a", Payload: []byte("draft v1"), Version: 2, Timestamp: time.Now()}
	clone := item.Clone()
	clone.Payload[0] = 'X'
	if string(item.Payload) != "draft v1" {
		t.Fatalf("clone mutated original payload: %q", item.Payload)
	}
}

func TestPeerDescriptorCapability(t *testing.T) {
	p := PeerDescriptor{Capabilities: []string{"sync", "Collab"}}
	if !p.HasCapability("collab") {
		t.Fatal("expected case-insensitive capability match")
	}
	if p.HasCapability("storage") {
		t.Fatal("did not expect storage capability")
	}
}
