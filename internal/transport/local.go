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

const topicLocalAnnounce = "local/announce"

// LocalTransport covers the LAN segment. Discovery is periodic
// subnet broadcast; peers answering within StaleAfter count as fresh,
// silent ones degrade and are dropped after EvictAfter.
type LocalTransport struct {
	cfg    config.TransportBootstrap
	self   models.PeerDescriptor
	fabric *Fabric
	log    *slog.Logger

	mu         sync.RWMutex
	state      string
	handler    Handler
	roster     map[string]models.PeerDescriptor
	errorCount int

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

func NewLocalTransport(cfg config.TransportBootstrap, self models.PeerDescriptor, fabric *Fabric, log *slog.Logger) *LocalTransport {
	if log == nil {
		log = slog.Default()
	}
	self.Transport = models.TransportLocal
	self.Port = cfg.Port
	self.Capabilities = append([]string(nil), cfg.Capabilities...)
	return &LocalTransport{
		cfg:    cfg,
		self:   self,
		fabric: fabric,
		log:    log.With("transport", models.TransportLocal),
		state:  StateStopped,
		roster: make(map[string]models.PeerDescriptor),
	}
}

func (t *LocalTransport) Kind() models.TransportKind { return models.TransportLocal }

func (t *LocalTransport) Start(_ context.Context) error {
	t.mu.Lock()
	if t.state == StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStarting
	t.mu.Unlock()

	t.fabric.Attach(models.TransportLocal, t.self, t.dispatch)

	t.mu.Lock()
	t.state = StateRunning
	t.mu.Unlock()

	t.startAnnounceLoop()
	t.log.Info("local transport started", "node_id", t.self.ID, "port", t.cfg.Port)
	return nil
}

func (t *LocalTransport) Stop(_ context.Context) error {
	t.stopAnnounceLoop()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped {
		return nil
	}
	t.fabric.Detach(models.TransportLocal, t.self.ID)
	t.state = StateStopped
	t.roster = make(map[string]models.PeerDescriptor)
	t.log.Info("local transport stopped")
	return nil
}

func (t *LocalTransport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *LocalTransport) Send(_ context.Context, msg Message) error {
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	msg.Kind = models.TransportLocal
	msg.SenderID = t.self.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := t.fabric.Send(models.TransportLocal, msg); err != nil {
		t.noteError()
		return err
	}
	return nil
}

func (t *LocalTransport) Broadcast(_ context.Context, msg Message) error {
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()
	if state != StateRunning {
		return ErrNotRunning
	}

	msg.Kind = models.TransportLocal
	msg.SenderID = t.self.ID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := t.fabric.Broadcast(models.TransportLocal, msg); err != nil {
		t.noteError()
		return err
	}
	return nil
}

func (t *LocalTransport) Peers() []models.PeerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PeerDescriptor, 0, len(t.roster))
	for _, desc := range t.roster {
		out = append(out, desc)
	}
	return out
}

func (t *LocalTransport) Health() models.TransportHealth {
	t.mu.RLock()
	state := t.state
	errorCount := t.errorCount
	peerCount := len(t.roster)
	t.mu.RUnlock()

	quality := t.fabric.Quality(models.TransportLocal)
	health := models.TransportHealth{
		Transport:   models.TransportLocal,
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

func (t *LocalTransport) dispatch(msg Message) {
	if msg.SenderID == t.self.ID {
		return
	}
	if msg.Topic == topicLocalAnnounce {
		var desc models.PeerDescriptor
		if err := json.Unmarshal(msg.Payload, &desc); err != nil {
			return
		}
		desc.LastSeen = time.Now()
		t.mu.Lock()
		t.roster[desc.ID] = desc
		t.mu.Unlock()
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

func (t *LocalTransport) startAnnounceLoop() {
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

		t.announce(loopCtx)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.announce(loopCtx)
				t.evictStale()
			}
		}
	}()
}

func (t *LocalTransport) stopAnnounceLoop() {
	t.mu.Lock()
	cancel := t.monitorCancel
	t.monitorCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.monitorWG.Wait()
	}
}

func (t *LocalTransport) announce(ctx context.Context) {
	self := t.self
	self.LastSeen = time.Now()
	payload, err := json.Marshal(self)
	if err != nil {
		return
	}
	_ = t.Broadcast(ctx, Message{Topic: topicLocalAnnounce, Payload: payload})
}

func (t *LocalTransport) evictStale() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, desc := range t.roster {
		if now.Sub(desc.LastSeen) > t.cfg.EvictAfter {
			delete(t.roster, id)
		}
	}
}

func (t *LocalTransport) noteError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorCount++
}
