package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftmesh/go-core/pkg/models"
)

const defaultOutboxCapacity = 1000

// OfflineTransport is the terminal fallback: always available, zero
// peers, zero throughput. Sends are parked in a bounded outbox that
// the coordinator drains through whichever transport comes back. When
// the outbox overflows, the oldest parked message gives way.
type OfflineTransport struct {
	log      *slog.Logger
	capacity int

	mu      sync.Mutex
	state   string
	handler Handler
	outbox  []Message
	dropped int
}

func NewOfflineTransport(capacity int, log *slog.Logger) *OfflineTransport {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &OfflineTransport{
		log:      log.With("transport", models.TransportOffline),
		capacity: capacity,
		state:    StateStopped,
	}
}

func (t *OfflineTransport) Kind() models.TransportKind { return models.TransportOffline }

func (t *OfflineTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateRunning
	return nil
}

func (t *OfflineTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateStopped
	return nil
}

func (t *OfflineTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *OfflineTransport) Send(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return ErrNotRunning
	}
	msg.Kind = models.TransportOffline
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if len(t.outbox) >= t.capacity {
		t.dropped++
		t.log.Warn("offline outbox full, oldest message dropped",
			"capacity", t.capacity, "dropped_id", t.outbox[0].ID, "dropped_total", t.dropped)
		t.outbox = t.outbox[1:]
	}
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *OfflineTransport) Broadcast(ctx context.Context, msg Message) error {
	return t.Send(ctx, msg)
}

func (t *OfflineTransport) Peers() []models.PeerDescriptor { return nil }

func (t *OfflineTransport) Health() models.TransportHealth {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	status := models.HealthAvailable
	if state != StateRunning {
		status = models.HealthUnavailable
	}
	// Always reachable but worthless for comparison scoring.
	return models.TransportHealth{
		Transport:   models.TransportOffline,
		Status:      status,
		LatencyMs:   0,
		Reliability: 100,
		Bandwidth:   0,
		LastCheck:   time.Now(),
	}
}

// Pending reports the number of parked messages.
func (t *OfflineTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbox)
}

// Drain hands parked messages to send, oldest first, stopping at the
// first failure. Unsent messages stay parked.
func (t *OfflineTransport) Drain(ctx context.Context, send func(context.Context, Message) error) (int, error) {
	t.mu.Lock()
	queued := append([]Message(nil), t.outbox...)
	t.mu.Unlock()

	sent := 0
	for _, msg := range queued {
		if err := send(ctx, msg); err != nil {
			break
		}
		sent++
	}
	if sent > 0 {
		t.mu.Lock()
		t.outbox = append([]Message(nil), t.outbox[sent:]...)
		t.mu.Unlock()
		t.log.Info("offline outbox drained", "sent", sent, "remaining", t.Pending())
	}
	return sent, nil
}
