// Package app assembles the node: identity, security, the transport
// stack behind the fallback coordinator, and the sync, chunk and
// collaboration engines. It owns message dispatch between them.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"driftmesh/go-core/internal/chunkstore"
	"driftmesh/go-core/internal/collab"
	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/internal/fallback"
	"driftmesh/go-core/internal/identity"
	"driftmesh/go-core/internal/platform/metrics"
	"driftmesh/go-core/internal/platform/privacylog"
	"driftmesh/go-core/internal/platform/ratelimiter"
	"driftmesh/go-core/internal/security"
	"driftmesh/go-core/internal/storage"
	"driftmesh/go-core/internal/syncengine"
	"driftmesh/go-core/internal/transport"
	"driftmesh/go-core/pkg/models"
)

var (
	ErrAlreadyRunning = errors.New("node is already running")
	ErrNotStarted     = errors.New("node is not running")
)

const (
	defaultChannelID  = "driftmesh/main"
	defaultEventLimit = 512
	repairEvery       = 30 * time.Second

	inboundRPS   = 50
	inboundBurst = 100
)

// Option customizes core construction.
type Option func(*Core)

// WithFabric shares an in-process transport fabric between cores. Used
// by multi-node tests and single-process deployments.
func WithFabric(f *transport.Fabric) Option {
	return func(c *Core) { c.fabric = f }
}

// WithMetricsRegistry registers collectors on the given registry
// instead of a private one.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *Core) { c.reg = reg }
}

// WithReadOnlyStore opens persistence without bolt's exclusive write
// lock, for inspection commands running beside a live node.
func WithReadOnlyStore() Option {
	return func(c *Core) { c.roStore = true }
}

// Core is one driftmesh node.
type Core struct {
	cfg config.Config
	log *slog.Logger

	ids   *identity.Manager
	codec *security.Codec
	sec   *security.Manager
	store *storage.Store

	fabric  *transport.Fabric
	reg     *prometheus.Registry
	met     *metrics.Set
	roStore bool

	hub     *EventHub
	limiter *ratelimiter.PeerLimiter

	mu        sync.Mutex
	channelID string
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Built on Start, once the identity is final.
	coord    *fallback.Coordinator
	offline  *transport.OfflineTransport
	pub      *securePublisher
	chunkCli *chunkClient
	chunks   *chunkstore.Store
	sync     *syncengine.Engine
	collab   *collab.Engine
}

// NewCore wires the identity, security and persistence layers. The
// transport stack and engines are built on Start so they bind to the
// final node identity.
func NewCore(cfg config.Config, log *slog.Logger, opts ...Option) (*Core, error) {
	if log == nil {
		log = slog.New(privacylog.Wrap(slog.NewJSONHandler(os.Stdout, nil)))
	}

	ids, err := identity.NewManager()
	if err != nil {
		return nil, err
	}
	sec, err := security.NewManager(cfg.Security, cfg.Roles, cfg.Users, log)
	if err != nil {
		return nil, err
	}

	c := &Core{
		cfg:       cfg,
		log:       log.With("component", "core"),
		ids:       ids,
		codec:     security.NewCodec(ids),
		sec:       sec,
		hub:       NewEventHub(defaultEventLimit),
		limiter:   ratelimiter.NewPeerLimiter(inboundRPS, inboundBurst, 10*time.Minute),
		channelID: defaultChannelID,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fabric == nil {
		c.fabric = transport.NewFabric()
	}
	if c.reg == nil {
		c.reg = prometheus.NewRegistry()
	}
	c.met, err = metrics.New(c.reg)
	if err != nil {
		return nil, err
	}

	// A fresh random channel secret keeps a lone node functional;
	// JoinChannel replaces it with the operator-distributed secret.
	secret, err := security.NewChannelSecret()
	if err != nil {
		return nil, err
	}
	c.codec.RegisterChannel(defaultChannelID, secret)

	if c.roStore {
		c.store, err = storage.OpenReadOnly(cfg.Node.DataDir)
	} else {
		c.store, err = storage.Open(cfg.Node.DataDir)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the state store of a core that is not running. A
// running core is closed by Stop.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	return c.store.Close()
}

// Identity management. All of these must run before Start; the
// transport stack binds to the node id it finds at start time.

func (c *Core) CreateIdentity(password string) (identity.NodeIdentity, string, error) {
	id, mnemonic, err := c.ids.CreateIdentity(password)
	if err != nil {
		return identity.NodeIdentity{}, "", err
	}
	if err := c.persistSeed(); err != nil {
		return identity.NodeIdentity{}, "", err
	}
	return id, mnemonic, nil
}

func (c *Core) ImportIdentity(mnemonic, password string) (identity.NodeIdentity, error) {
	id, err := c.ids.ImportIdentity(mnemonic, password)
	if err != nil {
		return identity.NodeIdentity{}, err
	}
	if err := c.persistSeed(); err != nil {
		return identity.NodeIdentity{}, err
	}
	return id, nil
}

// Unlock restores a previously persisted identity with its password.
func (c *Core) Unlock(password string) (identity.NodeIdentity, error) {
	raw, err := c.store.SeedEnvelope()
	if err != nil {
		return identity.NodeIdentity{}, err
	}
	if raw == nil {
		return identity.NodeIdentity{}, identity.ErrSeedNotAvailable
	}
	return c.ids.RestoreSeed(raw, password)
}

// HasStoredIdentity reports whether a seed envelope is on disk.
func (c *Core) HasStoredIdentity() bool {
	raw, err := c.store.SeedEnvelope()
	return err == nil && raw != nil
}

func (c *Core) persistSeed() error {
	raw, err := c.ids.SeedEnvelopeJSON()
	if err != nil {
		return err
	}
	return c.store.SaveSeedEnvelope(raw)
}

func (c *Core) ExportSeed(password string) (string, error) {
	return c.ids.ExportSeed(password)
}

func (c *Core) ValidateMnemonic(mnemonic string) bool {
	return identity.NewSeedManager().ValidateMnemonic(mnemonic)
}

func (c *Core) Identity() identity.NodeIdentity { return c.ids.Identity() }
func (c *Core) NodeID() string                  { return c.ids.NodeID() }

// TrustPeer registers a peer's signing key so its envelopes verify.
func (c *Core) TrustPeer(peerID string, publicKey []byte) error {
	if err := c.ids.AddPeerKey(peerID, publicKey); err != nil {
		return err
	}
	c.hub.Publish(EventPeerConnected, map[string]string{"peer_id": peerID})
	return nil
}

func (c *Core) KnownPeers() []identity.KnownPeer { return c.ids.KnownPeers() }

// JoinChannel switches the node onto a shared channel secret. Every
// member of a channel must hold the same secret.
func (c *Core) JoinChannel(channelID string, secret []byte) {
	c.codec.RegisterChannel(channelID, secret)
	c.mu.Lock()
	c.channelID = channelID
	c.mu.Unlock()
}

func (c *Core) activeChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Access control passthroughs.

func (c *Core) Authenticate(user, password string) (string, *security.Session, error) {
	return c.sec.Authenticate(user, password)
}

func (c *Core) Authorize(token, permission string) (*security.Session, error) {
	return c.sec.Authorize(token, permission)
}

func (c *Core) ValidateToken(token string) (*security.Session, error) {
	return c.sec.ValidateToken(token)
}

func (c *Core) RevokeSession(sessionID string) { c.sec.RevokeSession(sessionID) }

func (c *Core) AuditLog() []security.AuditEntry { return c.sec.AuditLog() }

// Start builds the transport stack for the current identity and brings
// the node online.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	selfID := c.ids.NodeID()
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	coord := fallback.NewCoordinator(c.cfg.Fallback, c.log)
	c.coord = coord
	c.pub = &securePublisher{
		selfID:    selfID,
		channelID: c.activeChannel,
		codec:     c.codec,
		coord:     coord,
	}
	c.chunkCli = newChunkClient(c.pub, coord, c.met, c.log)
	c.chunks = chunkstore.NewStore(c.cfg.Chunks, selfID, c.chunkCli, c.log)
	c.sync = syncengine.NewEngine(c.cfg.Sync, selfID, c.pub, c.log)
	c.collab = collab.NewEngine(c.cfg.Collab, selfID, c.pub, c.log)

	c.offline = transport.NewOfflineTransport(c.cfg.Sync.OfflineQueueCapacity, c.log)
	for _, t := range c.buildTransports(selfID) {
		t.SetHandler(c.inbound(t.Kind()))
		coord.RegisterTransport(t)
	}

	if err := c.replayPersisted(); err != nil {
		c.log.Warn("state replay failed", "error", err)
	}
	if err := coord.Start(runCtx); err != nil {
		cancel()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.sync.Start(runCtx)
	c.collab.StartSweeper(runCtx)
	c.sec.StartSweeper(runCtx)
	c.chunks.StartRepair(runCtx, repairEvery)

	c.wg.Add(1)
	go c.watchSwitches(runCtx)

	c.log.Info("node started", "node_id", selfID, "active", string(coord.Active()))
	return nil
}

func (c *Core) buildTransports(selfID string) []transport.Transport {
	out := make([]transport.Transport, 0, 4)
	tc := c.cfg.Transports
	if enabled(tc.Mesh.Enabled) {
		self := c.selfDescriptor(selfID, models.TransportMesh, tc.Mesh)
		out = append(out, transport.NewMeshTransport(tc.Mesh, self, c.fabric, c.log))
	}
	if enabled(tc.Local.Enabled) {
		self := c.selfDescriptor(selfID, models.TransportLocal, tc.Local)
		out = append(out, transport.NewLocalTransport(tc.Local, self, c.fabric, c.log))
	}
	if enabled(tc.Proximity.Enabled) {
		self := c.selfDescriptor(selfID, models.TransportProximity, tc.Proximity)
		out = append(out, transport.NewProximityTransport(tc.Proximity, self, c.fabric, c.log))
	}
	out = append(out, c.offline)
	return out
}

func (c *Core) selfDescriptor(selfID string, kind models.TransportKind, tc config.TransportBootstrap) models.PeerDescriptor {
	return models.PeerDescriptor{
		ID:           selfID,
		Port:         tc.Port,
		Capabilities: tc.Capabilities,
		Transport:    kind,
		LastSeen:     time.Now().UTC(),
	}
}

func enabled(flag *bool) bool {
	return flag == nil || *flag
}

// replayPersisted reloads sync items and chunk manifests from disk.
func (c *Core) replayPersisted() error {
	if err := c.store.ReplayItems(func(item models.SyncItem) error {
		return c.sync.ApplyRemote(item)
	}); err != nil {
		return err
	}
	return c.store.ReplayManifests(func(dataID string, raw []byte) error {
		var m chunkstore.Manifest
		if err := unmarshalManifest(raw, &m); err != nil {
			c.log.Warn("skipping corrupt manifest", "data_id", dataID, "error", err)
			return nil
		}
		c.chunks.RegisterManifest(m)
		return nil
	})
}

// watchSwitches reacts to transport switchovers: chunk transfers are
// abandoned, the sync engine flips between online and offline modes,
// and the event is surfaced to subscribers.
func (c *Core) watchSwitches(ctx context.Context) {
	defer c.wg.Done()
	events := c.coord.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.chunks.NotifySwitchover()
			online := ev.To != models.TransportOffline
			c.sync.SetOnline(online)
			c.met.TransportSwitches.WithLabelValues(string(ev.To), ev.Reason).Inc()
			c.met.OfflineQueueDepth.Set(float64(c.offline.Pending()))
			c.updateTransportGauges()
			c.hub.Publish(EventTransportSwitched, ev)
			if online && ev.From == models.TransportOffline {
				c.drainOffline(ctx)
			}
		}
	}
}

// drainOffline replays queued offline messages through the now-active
// transport, oldest first.
func (c *Core) drainOffline(ctx context.Context) {
	sent, err := c.offline.Drain(ctx, func(ctx context.Context, msg transport.Message) error {
		if msg.RecipientID == "" {
			return c.coord.Broadcast(ctx, msg)
		}
		return c.coord.Send(ctx, msg)
	})
	if err != nil {
		c.log.Warn("offline drain interrupted", "sent", sent, "error", err)
		return
	}
	if sent > 0 {
		c.log.Info("offline outbox drained", "sent", sent)
	}
	c.met.OfflineQueueDepth.Set(float64(c.offline.Pending()))
}

func (c *Core) updateTransportGauges() {
	active := c.coord.Active()
	for kind, h := range c.coord.HealthSnapshot() {
		val := 0.0
		if kind == active {
			val = 1.0
		}
		c.met.ActiveTransport.WithLabelValues(string(kind)).Set(val)
		c.met.TransportScore.WithLabelValues(string(kind)).Set(h.Score())
	}
}

// Stop brings the node offline and closes persistence.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	c.sync.Stop()
	c.collab.StopSweeper()
	c.sec.StopSweeper()
	c.chunks.StopRepair()
	err := c.coord.Stop(ctx)
	cancel()
	c.wg.Wait()
	if cerr := c.store.Close(); err == nil {
		err = cerr
	}
	c.log.Info("node stopped")
	return err
}

// Data operations.

func (c *Core) PutItem(id, itemType string, payload []byte) (models.SyncItem, error) {
	if err := c.ensureRunning(); err != nil {
		return models.SyncItem{}, err
	}
	item, err := c.sync.AddItem(id, itemType, payload)
	if err != nil {
		return models.SyncItem{}, err
	}
	if err := c.store.SaveItem(item); err != nil {
		c.log.Warn("item persistence failed", "item_id", id, "error", err)
	}
	c.met.SyncQueueDepth.Set(float64(queuedOf(c.sync)))
	return item, nil
}

func (c *Core) UpdateItem(id string, payload []byte) (models.SyncItem, error) {
	if err := c.ensureRunning(); err != nil {
		return models.SyncItem{}, err
	}
	item, err := c.sync.UpdateItem(id, payload)
	if err != nil {
		return models.SyncItem{}, err
	}
	if err := c.store.SaveItem(item); err != nil {
		c.log.Warn("item persistence failed", "item_id", id, "error", err)
	}
	return item, nil
}

func (c *Core) GetItem(id string) (models.SyncItem, bool) {
	if c.sync == nil {
		return models.SyncItem{}, false
	}
	return c.sync.Item(id)
}

func (c *Core) Conflicts() []syncengine.ConflictRecord {
	if c.sync == nil {
		return nil
	}
	return c.sync.Conflicts()
}

// Object operations.

// StoreObject chunks and replicates a payload, persists its manifest
// and announces the manifest to channel peers.
func (c *Core) StoreObject(ctx context.Context, dataID string, payload []byte) (chunkstore.Manifest, error) {
	if err := c.ensureRunning(); err != nil {
		return chunkstore.Manifest{}, err
	}
	manifest, err := c.chunks.Store(ctx, dataID, payload)
	if err != nil {
		return chunkstore.Manifest{}, err
	}
	if err := c.store.SaveManifest(dataID, manifest); err != nil {
		c.log.Warn("manifest persistence failed", "data_id", dataID, "error", err)
	}
	c.announceManifest(ctx, manifest)
	objects, chunks := c.chunks.Stats()
	c.met.ObjectsStored.Set(float64(objects))
	c.met.ChunksStored.Set(float64(chunks))
	return manifest, nil
}

func (c *Core) FetchObject(ctx context.Context, dataID string) ([]byte, error) {
	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	return c.chunks.Retrieve(ctx, dataID)
}

func (c *Core) ObjectManifest(dataID string) (chunkstore.Manifest, bool) {
	if c.chunks == nil {
		return chunkstore.Manifest{}, false
	}
	return c.chunks.ManifestFor(dataID)
}

func (c *Core) announceManifest(ctx context.Context, m chunkstore.Manifest) {
	body, err := marshalManifest(m)
	if err != nil {
		return
	}
	if err := c.pub.Publish(ctx, topicChunkManifest, body); err != nil {
		c.log.Debug("manifest announce failed", "data_id", m.DataID, "error", err)
	}
}

// Collaboration operations.

func (c *Core) OpenSession(ctx context.Context, documentID, initialText string, participants []string) (models.CollaborationSession, error) {
	if err := c.ensureRunning(); err != nil {
		return models.CollaborationSession{}, err
	}
	meta := c.collab.OpenSession(documentID, initialText, participants)
	c.announceSession(ctx, meta, initialText)
	c.hub.Publish(EventSessionOpened, meta)
	c.met.CollabSessions.Set(float64(c.collab.ActiveSessionCount()))
	return meta, nil
}

func (c *Core) JoinSession(sessionID, participantID string) (models.CollaborationSession, error) {
	if err := c.ensureRunning(); err != nil {
		return models.CollaborationSession{}, err
	}
	return c.collab.JoinSession(sessionID, participantID)
}

func (c *Core) CloseSession(sessionID string) error {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	return c.collab.CloseSession(sessionID)
}

func (c *Core) EditDocument(ctx context.Context, sessionID string, op models.Operation) (models.Operation, error) {
	if err := c.ensureRunning(); err != nil {
		return models.Operation{}, err
	}
	applied, err := c.collab.ApplyOperation(ctx, sessionID, op)
	if err != nil {
		return models.Operation{}, err
	}
	c.met.OperationsApplied.WithLabelValues("local").Inc()
	return applied, nil
}

func (c *Core) DocumentText(sessionID string) (string, error) {
	if c.collab == nil {
		return "", ErrNotStarted
	}
	return c.collab.Document(sessionID)
}

func (c *Core) UpdatePresence(ctx context.Context, sessionID string, p models.Presence) error {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	return c.collab.UpdatePresence(ctx, sessionID, p)
}

func (c *Core) Presences(sessionID string) ([]models.Presence, error) {
	if c.collab == nil {
		return nil, ErrNotStarted
	}
	return c.collab.Presences(sessionID)
}

// Events exposes the node event stream.
func (c *Core) Events(fromSeq int64) ([]Event, <-chan Event, func()) {
	return c.hub.Subscribe(fromSeq)
}

func (c *Core) ensureRunning() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotStarted
	}
	return nil
}

func queuedOf(e *syncengine.Engine) int {
	_, queued, _, _ := e.Stats()
	return queued
}
