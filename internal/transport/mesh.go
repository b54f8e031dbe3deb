package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/pkg/models"
)

const topicMeshAnnounce = "mesh/announce"

// relayBackend is the optional wide-area relay behind the mesh
// transport. The default build has none and the mesh rides the
// in-process fabric; the real_waku build plugs in go-waku relay.
type relayBackend interface {
	Start(ctx context.Context, cfg config.TransportBootstrap, selfID string) error
	Stop()
	PeerCount() int
	Subscribe(h Handler) error
	Publish(ctx context.Context, msg Message) error
	ListenAddresses() []string
}

// MeshTransport is the internet-wide P2P channel. Peers are discovered
// through announce gossip and kept in a Kademlia-style routing table;
// unreachable direct sends fall back to store-and-forward on the relay.
type MeshTransport struct {
	cfg    config.TransportBootstrap
	self   models.PeerDescriptor
	fabric *Fabric
	table  *RoutingTable
	relay  relayBackend
	log    *slog.Logger

	mu         sync.RWMutex
	state      string
	handler    Handler
	errorCount int
	lastCheck  time.Time

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

func NewMeshTransport(cfg config.TransportBootstrap, self models.PeerDescriptor, fabric *Fabric, log *slog.Logger) *MeshTransport {
	if log == nil {
		log = slog.Default()
	}
	self.Transport = models.TransportMesh
	self.Port = cfg.Port
	self.Capabilities = append([]string(nil), cfg.Capabilities...)
	return &MeshTransport{
		cfg:    cfg,
		self:   self,
		fabric: fabric,
		table:  NewRoutingTable(self.ID, cfg.BucketSize),
		relay:  newRelayBackend(),
		log:    log.With("transport", models.TransportMesh),
		state:  StateStopped,
	}
}

func (t *MeshTransport) Kind() models.TransportKind { return models.TransportMesh }

func (t *MeshTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStarting
	t.mu.Unlock()

	if t.relay != nil {
		if err := t.relay.Start(ctx, t.cfg, t.self.ID); err != nil {
			t.mu.Lock()
			t.state = StateStopped
			t.mu.Unlock()
			return err
		}
		if err := t.relay.Subscribe(t.dispatch); err != nil {
			t.relay.Stop()
			t.mu.Lock()
			t.state = StateStopped
			t.mu.Unlock()
			return err
		}
	} else {
		t.fabric.Attach(models.TransportMesh, t.self, t.dispatch)
	}

	t.mu.Lock()
	t.state = StateRunning
	t.lastCheck = time.Now()
	t.mu.Unlock()

	t.startAnnounceLoop()
	t.log.Info("mesh transport started", "node_id", t.self.ID, "port", t.cfg.Port)
	return nil
}

func (t *MeshTransport) Stop(_ context.Context) error {
	t.stopAnnounceLoop()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped {
		return nil
	}
	if t.relay != nil {
		t.relay.Stop()
	} else {
		t.fabric.Detach(models.TransportMesh, t.self.ID)
	}
	t.state = StateStopped
	t.log.Info("mesh transport stopped")
	return nil
}

func (t *MeshTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MeshTransport) Send(ctx context.Context, msg Message) error {
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	msg.Kind = models.TransportMesh
	msg.SenderID = t.self.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var err error
	if t.relay != nil {
		err = t.relay.Publish(ctx, msg)
	} else {
		err = t.fabric.Send(models.TransportMesh, msg)
	}
	if err != nil {
		t.noteError()
	}
	return err
}

func (t *MeshTransport) Broadcast(ctx context.Context, msg Message) error {
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	msg.Kind = models.TransportMesh
	msg.SenderID = t.self.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var err error
	if t.relay != nil {
		err = t.relay.Publish(ctx, msg)
	} else {
		err = t.fabric.Broadcast(models.TransportMesh, msg)
	}
	if err != nil {
		t.noteError()
	}
	return err
}

func (t *MeshTransport) Peers() []models.PeerDescriptor {
	return t.table.All()
}

// Routing exposes the table for closest-peer lookups by other layers.
func (t *MeshTransport) Routing() *RoutingTable { return t.table }

func (t *MeshTransport) Health() models.TransportHealth {
	t.mu.RLock()
	state := t.state
	errorCount := t.errorCount
	t.mu.RUnlock()

	quality := t.fabric.Quality(models.TransportMesh)
	health := models.TransportHealth{
		Transport:   models.TransportMesh,
		LatencyMs:   quality.LatencyMs,
		Reliability: quality.Reliability,
		Bandwidth:   quality.Bandwidth,
		LastCheck:   time.Now(),
		ErrorCount:  errorCount,
	}
	switch {
	case state != StateRunning || quality.Down:
		health.Status = models.HealthUnavailable
	case t.table.Len() == 0 || quality.Reliability < 80:
		health.Status = models.HealthDegraded
	default:
		health.Status = models.HealthAvailable
	}
	return health
}

func (t *MeshTransport) dispatch(msg Message) {
	if msg.SenderID == t.self.ID {
		return
	}
	if msg.Topic == topicMeshAnnounce {
		var desc models.PeerDescriptor
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			t.log.Debug("bad announce payload", "sender", msg.SenderID, "error", err)
			return
		}
		desc.LastSeen = time.Now()
		t.table.Insert(desc)
		return
	}
	if msg.RecipientID != "" && msg.RecipientID != t.self.ID {
		return
	}

	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (t *MeshTransport) startAnnounceLoop() {
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

		// Announce once immediately so fresh nodes show up without
		// waiting a full interval.
		t.announce(loopCtx)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.announce(loopCtx)
				evicted := t.table.EvictStale(t.cfg.EvictAfter, time.Now())
				if len(evicted) > 0 {
					t.log.Debug("stale mesh peers evicted", "count", len(evicted))
				}
			}
		}
	}()
}

func (t *MeshTransport) stopAnnounceLoop() {
	t.mu.Lock()
	cancel := t.monitorCancel
	t.monitorCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.monitorWG.Wait()
	}
}

func (t *MeshTransport) announce(ctx context.Context) {
	self := t.self
	self.LastSeen = time.Now()
	payload, err := json.Marshal(self)
	if err != nil {
		return
	}
	_ = t.Broadcast(ctx, Message{Topic: topicMeshAnnounce, Payload: payload})
}

func (t *MeshTransport) noteError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
	t.lastCheck = time.Now()
}
