package transport

import (
	"context"
	"errors"
	"time"

	"driftmesh/go-core/pkg/models"
)

const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateDegraded = "degraded"
)

var (
	ErrNotRunning      = errors.New("transport is not running")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrLinkDown        = errors.New("transport link is down")
	ErrNoPeers         = errors.New("no peers on this transport")
)

// Message is the unit every transport carries. Payload is an opaque
// sealed envelope; transports never look inside it.
type Message struct {
	ID          string               `json:"id"`
	Kind        models.TransportKind `json:"kind"`
	SenderID    string               `json:"sender_id"`
	RecipientID string               `json:"recipient_id"`
	Topic       string               `json:"topic"`
	Payload     []byte               `json:"payload"`
	Hops        int                  `json:"hops,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// Handler receives inbound messages. Transports invoke it from their
// own goroutines; handlers must not block.
type Handler func(Message)

// Transport is one of the closed set of peer channels. Implementations
// keep their own peer roster and report health on demand so the
// fallback coordinator can compare transports uniformly.
type Transport interface {
	Kind() models.TransportKind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Broadcast(ctx context.Context, msg Message) error
	Peers() []models.PeerDescriptor
	Health() models.TransportHealth
	SetHandler(h Handler)
}
