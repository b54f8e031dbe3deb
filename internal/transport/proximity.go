package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/pkg/models"
)

const (
	topicProximityAdvertise = "proximity/advertise"

	// A relayed message crossing more hops than this is dropped.
	maxProximityHops = 3
)

// ProximityTransport is the short-range radio channel. Peers advertise
// themselves with a signal strength; peers below the signal floor are
// ignored, and sends to out-of-range peers are relayed through the
// strongest in-range neighbour.
type ProximityTransport struct {
	cfg    config.TransportBootstrap
	self   models.PeerDescriptor
	fabric *Fabric
	log    *slog.Logger

	mu         sync.RWMutex
	state      string
	handler    Handler
	nearby     map[string]models.PeerDescriptor
	errorCount int

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

func NewProximityTransport(cfg config.TransportBootstrap, self models.PeerDescriptor, fabric *Fabric, log *slog.Logger) *ProximityTransport {
	if log == nil {
		log = slog.Default()
	}
	self.Transport = models.TransportProximity
	self.Capabilities = append([]string(nil), cfg.Capabilities...)
	return &ProximityTransport{
		cfg:    cfg,
		self:   self,
		fabric: fabric,
		log:    log.With("transport", models.TransportProximity),
		state:  StateStopped,
		nearby: make(map[string]models.PeerDescriptor),
	}
}

func (t *ProximityTransport) Kind() models.TransportKind { return models.TransportProximity }

func (t *ProximityTransport) Start(_ context.Context) error {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStarting
	t.mu.Unlock()

	t.fabric.Attach(models.TransportProximity, t.self, t.dispatch)

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()

	t.startAdvertiseLoop()
	t.log.Info("proximity transport started", "node_id", t.self.ID, "signal_floor", t.cfg.SignalFloor)
	return nil
}

func (t *ProximityTransport) Stop(_ context.Context) error {
	t.stopAdvertiseLoop()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped {
		return nil
	}
	t.fabric.Detach(models.TransportProximity, t.self.ID)
	t.state = StateStopped
	t.nearby = make(map[string]models.PeerDescriptor)
	t.log.Info("proximity transport stopped")
	return nil
}

func (t *ProximityTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send delivers directly when the recipient is in range, otherwise
// relays through the strongest neighbour.
func (t *ProximityTransport) Send(_ context.Context, msg Message) error {
	t.mu.RLock()
	state := t.state
	_, inRange := t.nearby[msg.RecipientID]
	t.mu.RUnlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	msg.Kind = models.TransportProximity
	if msg.SenderID == "" {
		msg.SenderID = t.self.ID
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if inRange {
		if err := t.fabric.Send(models.TransportProximity, msg); err != nil {
			t.noteError()
			return err
		}
		return nil
	}
	return t.relayViaStrongest(msg)
}

func (t *ProximityTransport) relayViaStrongest(msg Message) error {
	if msg.Hops >= maxProximityHops {
		return fmt.Errorf("%w: hop limit reached for %s", ErrPeerUnreachable, msg.RecipientID)
	}
	strongest, ok := t.strongestNeighbour(msg.SenderID)
	if !ok {
		return fmt.Errorf("%w: %s out of range", ErrPeerUnreachable, msg.RecipientID)
	}

	relayed := msg
	relayed.Hops++
	// The fabric routes on RecipientID, so address the relay hop and
	// carry the true recipient in the topic-level envelope.
	relayed.Topic = "proximity/relay/" + msg.RecipientID
	relayed.RecipientID = strongest.ID
	if err := t.fabric.Send(models.TransportProximity, relayed); err != nil {
		t.noteError()
		return err
	}
	return nil
}

func (t *ProximityTransport) strongestNeighbour(exclude string) (models.PeerDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	candidates := make([]models.PeerDescriptor, 0, len(t.nearby))
	for id, desc := range t.nearby {
		if id == exclude {
			continue
		}
		candidates = append(candidates, desc)
	}
	if len(candidates) == 0 {
		return models.PeerDescriptor{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Signal > candidates[j].Signal
	})
	return candidates[0], true
}

func (t *ProximityTransport) Broadcast(_ context.Context, msg Message) error {
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	msg.Kind = models.TransportProximity
	msg.SenderID = t.self.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := t.fabric.Broadcast(models.TransportProximity, msg); err != nil {
		t.noteError()
		return err
	}
	return nil
}

func (t *ProximityTransport) Peers() []models.PeerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PeerDescriptor, 0, len(t.nearby))
	for _, desc := range t.nearby {
		out = append(out, desc)
	}
	return out
}

func (t *ProximityTransport) Health() models.TransportHealth {
	t.mu.RLock()
	state := t.state
	errorCount := t.errorCount
	peerCount := len(t.nearby)
	t.mu.RUnlock()

	quality := t.fabric.Quality(models.TransportProximity)
	health := models.TransportHealth{
		Transport:   models.TransportProximity,
		LatencyMs:   quality.LatencyMs,
		Reliability: quality.Reliability,
		Bandwidth:   quality.Bandwidth,
		LastCheck:   time.Now(),
		ErrorCount:  errorCount,
	}
	switch {
	case state != StateRunning || quality.Down:
		health.Status = models.HealthUnavailable
	case peerCount == 0 || quality.Reliability < 80:
		health.Status = models.HealthDegraded
	default:
		health.Status = models.HealthAvailable
	}
	return health
}

func (t *ProximityTransport) dispatch(msg Message) {
	if msg.SenderID == t.self.ID {
		return
	}
	if msg.Topic == topicProximityAdvertise {
		var desc models.PeerDescriptor
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return
		}
		if desc.Signal < t.cfg.SignalFloor {
			return
		}
		desc.LastSeen = time.Now()
		t.mu.Lock()
		t.nearby[desc.ID] = desc
		t.mu.Unlock()
		return
	}

	// Relay hop: unwrap and forward toward the true recipient.
	if target, ok := relayTarget(msg.Topic); ok {
		if target == t.self.ID {
			msg.Topic = ""
			msg.RecipientID = t.self.ID
			t.deliver(msg)
			return
		}
		forwarded := msg
		forwarded.Topic = ""
		forwarded.RecipientID = target
		t.mu.RLock()
		_, inRange := t.nearby[target]
		t.mu.RUnlock()
		if inRange {
			_ = t.fabric.Send(models.TransportProximity, forwarded)
			return
		}
		_ = t.relayViaStrongest(forwarded)
		return
	}

	if msg.RecipientID != "" && msg.RecipientID != t.self.ID {
		return
	}
	t.deliver(msg)
}

func relayTarget(topic string) (string, bool) {
	const prefix = "proximity/relay/"
	if len(topic) > len(prefix) && topic[:len(prefix)] == prefix {
		return topic[len(prefix):], true
	}
	return "", false
}

func (t *ProximityTransport) deliver(msg Message) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (t *ProximityTransport) startAdvertiseLoop() {
	t.mu.Lock()
	if t.monitorCancel != nil {
		t.monitorCancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.monitorCancel = cancel
	t.monitorWG.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.monitorWG.Done()
		ticker := time.NewTicker(t.cfg.AnnounceEvery)
		defer ticker.Stop()

		t.advertise(loopCtx)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.advertise(loopCtx)
				t.evictStale()
			}
		}
	}()
}

func (t *ProximityTransport) stopAdvertiseLoop() {
	t.mu.Lock()
	cancel := t.monitorCancel
	t.monitorCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.monitorWG.Wait()
	}
}

func (t *ProximityTransport) advertise(ctx context.Context) {
	self := t.self
	self.LastSeen = time.Now()
	payload, err := json.Marshal(self)
	if err != nil {
		return
	}
	_ = t.Broadcast(ctx, Message{Topic: topicProximityAdvertise, Payload: payload})
}

func (t *ProximityTransport) evictStale() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, desc := range t.nearby {
		if now.Sub(desc.LastSeen) > t.cfg.EvictAfter {
			delete(t.nearby, id)
		}
	}
}

func (t *ProximityTransport) noteError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
}
