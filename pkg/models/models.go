package models

import (
	"strings"
	"time"
)

// TransportKind is the closed set of transports a node can route through.
type TransportKind string

const (
	TransportMesh      TransportKind = "mesh"
	TransportLocal     TransportKind = "local"
	TransportProximity TransportKind = "proximity"
	TransportOffline   TransportKind = "offline"
)

func (k TransportKind) Valid() bool {
	switch k {
	case TransportMesh, TransportLocal, TransportProximity, TransportOffline:
		return true
	}
	return false
}

// PreferenceChain is the default fallback order, most preferred first.
func PreferenceChain() []TransportKind {
	return []TransportKind{TransportMesh, TransportLocal, TransportProximity, TransportOffline}
}

const (
	HealthAvailable   = "available"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

// PeerDescriptor is a discovered peer as seen by one transport.
// The discovering transport owns the descriptor and refreshes LastSeen
// on every successful contact.
type PeerDescriptor struct {
	ID           string        `json:"id"`
	Address      string        `json:"address"`
	Port         int           `json:"port"`
	Capabilities []string      `json:"capabilities,omitempty"`
	LastSeen     time.Time     `json:"last_seen"`
	Signal       int           `json:"signal,omitempty"`
	Transport    TransportKind `json:"transport"`
}

func (p PeerDescriptor) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if strings.EqualFold(c, tag) {
			return true
		}
	}
	return false
}

// TransportHealth is one transport's recomputed health sample.
type TransportHealth struct {
	Transport   TransportKind `json:"transport"`
	Status      string        `json:"status"`
	LatencyMs   float64       `json:"latency_ms"`
	Reliability float64       `json:"reliability_percent"`
	Bandwidth   float64       `json:"bandwidth_mbps"`
	LastCheck   time.Time     `json:"last_check"`
	ErrorCount  int           `json:"error_count"`
}

// Score folds latency, reliability and bandwidth into a single 0-100
// comparison value for recovery decisions.
func (h TransportHealth) Score() float64 {
	if h.Status == HealthUnavailable {
		return 0
	}
	latencyScore := 100 - h.LatencyMs/10
	if latencyScore < 0 {
		latencyScore = 0
	}
	bandwidthScore := h.Bandwidth * 10
	if bandwidthScore > 100 {
		bandwidthScore = 100
	}
	return (latencyScore + h.Reliability + bandwidthScore) / 3
}

type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncSyncing  SyncState = "syncing"
	SyncSynced   SyncState = "synced"
	SyncConflict SyncState = "conflict"
	SyncError    SyncState = "error"
)

// SyncItem is one versioned unit of replicated data. Two items sharing
// ID and Version with differing checksums constitute a conflict.
type SyncItem struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	Version    int64     `json:"version"`
	Checksum   string    `json:"checksum"`
	Timestamp  time.Time `json:"timestamp"`
	OriginNode string    `json:"origin_node"`
	State      SyncState `json:"state"`
}

func (i SyncItem) Clone() SyncItem {
	out := i
	out.Payload = append([]byte(nil), i.Payload...)
	return out
}

// ItemSummary is the anti-entropy exchange unit: enough to detect
// divergence without shipping payloads.
type ItemSummary struct {
	ID       string `json:"id"`
	Version  int64  `json:"version"`
	Checksum string `json:"checksum"`
}

// DataChunk is an immutable content-addressed slice of a stored payload.
// Identical bytes produce identical chunk ids.
type DataChunk struct {
	ChunkID  string `json:"chunk_id"`
	DataID   string `json:"data_id"`
	Index    int    `json:"index"`
	Data     []byte `json:"data"`
	Checksum string `json:"checksum"`
	Size     int    `json:"size"`
}

type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
	OpRetain OperationType = "retain"
	OpUpdate OperationType = "update"
)

// Operation is a single collaborative edit, rebased against concurrent
// operations before application.
type Operation struct {
	Type      OperationType `json:"type"`
	Position  int           `json:"position"`
	Content   string        `json:"content,omitempty"`
	Length    int           `json:"length,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Author    string        `json:"author"`
	SessionID string        `json:"session_id,omitempty"`
}

type CollaborationSession struct {
	SessionID    string    `json:"session_id"`
	DocumentID   string    `json:"document_id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// Presence is one participant's live editing state.
type Presence struct {
	ParticipantID  string    `json:"participant_id"`
	Name           string    `json:"name,omitempty"`
	CursorPosition int       `json:"cursor_position"`
	SelectionStart int       `json:"selection_start"`
	SelectionEnd   int       `json:"selection_end"`
	ActiveFile     string    `json:"active_file,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
	Active         bool      `json:"active"`
}

// SealedEnvelope is the wire format for every peer-to-peer message:
// ciphertext carries the chacha20poly1305 auth tag, Signature covers
// the ciphertext and nonce with the sender's ed25519 key.
type SealedEnvelope struct {
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Nonce       []byte    `json:"nonce"`
	Ciphertext  []byte    `json:"ciphertext"`
	Signature   []byte    `json:"signature"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusReport is the aggregated status query response.
type StatusReport struct {
	Status          string                            `json:"status"`
	NodeID          string                            `json:"node_id"`
	ActiveTransport TransportKind                     `json:"active_transport"`
	Health          map[TransportKind]TransportHealth `json:"health"`
	Alerts          []string                          `json:"alerts,omitempty"`
	OfflineQueue    int                               `json:"offline_queue"`
	SyncQueue       int                               `json:"sync_queue"`
	Conflicts       int                               `json:"conflicts"`
	ActiveSessions  int                               `json:"active_sessions"`
	PeerCount       int                               `json:"peer_count"`
	GeneratedAt     time.Time                         `json:"generated_at"`
}
