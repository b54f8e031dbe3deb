package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/pkg/models"
)

var (
	ErrItemExists   = errors.New("item already exists")
	ErrItemNotFound = errors.New("item not found")
)

const (
	TopicItems     = "sync/items"
	TopicSummaries = "sync/summaries"
	TopicRequest   = "sync/request"

	defaultQueueBatch   = 5
	defaultOfflineCap   = 1000
	defaultAntiEntropy  = 30 * time.Second
	propagationInterval = 200 * time.Millisecond
)

// Publisher carries sync traffic. The app layer backs it with the
// fallback coordinator so the engine rides whichever transport is
// currently active.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ConflictRecord remembers one detected-and-merged divergence.
type ConflictRecord struct {
	ItemID     string    `json:"item_id"`
	Local      int64     `json:"local_version"`
	Remote     int64     `json:"remote_version"`
	MergedInto int64     `json:"merged_version"`
	At         time.Time `json:"at"`
}

// Engine replicates versioned items between nodes: eager push through
// the propagation queue, plus periodic anti-entropy summary exchange to
// catch anything the push path missed. While offline, outgoing items
// park in a bounded FIFO and flush on reconnect.
type Engine struct {
	cfg    config.SyncConfig
	log    *slog.Logger
	selfID string
	pub    Publisher

	mu        sync.RWMutex
	items     map[string]models.SyncItem
	queue     []models.SyncItem
	offline   []models.SyncItem
	online    bool
	conflicts []ConflictRecord

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

func NewEngine(cfg config.SyncConfig, selfID string, pub Publisher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueBatch <= 0 {
		cfg.QueueBatch = defaultQueueBatch
	}
	if cfg.OfflineQueueCapacity <= 0 {
		cfg.OfflineQueueCapacity = defaultOfflineCap
	}
	if cfg.AntiEntropyInterval <= 0 {
		cfg.AntiEntropyInterval = defaultAntiEntropy
	}
	return &Engine{
		cfg:    cfg,
		log:    log.With("component", "sync"),
		selfID: selfID,
		pub:    pub,
		items:  make(map[string]models.SyncItem),
		online: true,
	}
}

func payloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AddItem registers a brand new item at version 1 and queues it for
// propagation.
func (e *Engine) AddItem(id, itemType string, payload []byte) (models.SyncItem, error) {
	e.mu.Lock()
	if _, exists := e.items[id]; exists {
		e.mu.Unlock()
		return models.SyncItem{}, fmt.Errorf("%w: %s", ErrItemExists, id)
	}
	item := models.SyncItem{
		ID:         id,
		Type:       itemType,
		Payload:    append([]byte(nil), payload...),
		Version:    1,
		Checksum:   payloadChecksum(payload),
		Timestamp:  time.Now().UTC(),
		OriginNode: e.selfID,
		State:      models.SyncPending,
	}
	e.items[id] = item
	e.mu.Unlock()

	return item, e.enqueue(item)
}

// UpdateItem bumps the version and requeues.
func (e *Engine) UpdateItem(id string, payload []byte) (models.SyncItem, error) {
	e.mu.Lock()
	current, exists := e.items[id]
	if !exists {
		e.mu.Unlock()
		return models.SyncItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item := current
	item.Payload = append([]byte(nil), payload...)
	item.Version = current.Version + 1
	item.Checksum = payloadChecksum(payload)
	item.Timestamp = time.Now().UTC()
	item.OriginNode = e.selfID
	item.State = models.SyncPending
	e.items[id] = item
	e.mu.Unlock()

	return item, e.enqueue(item)
}

func (e *Engine) Item(id string) (models.SyncItem, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	item, ok := e.items[id]
	if !ok {
		return models.SyncItem{}, false
	}
	return item.Clone(), true
}

func (e *Engine) enqueue(item models.SyncItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		if len(e.offline) >= e.cfg.OfflineQueueCapacity {
			e.log.Warn("offline sync queue full, oldest item dropped",
				"capacity", e.cfg.OfflineQueueCapacity, "item_id", e.offline[0].ID)
			e.offline = e.offline[1:]
		}
		e.offline = append(e.offline, item)
		return nil
	}
	e.queue = append(e.queue, item)
	return nil
}

// SetOnline flips connectivity. Coming back online moves the parked
// FIFO into the propagation queue in arrival order.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	var flushed int
	if online && !wasOnline {
		flushed = len(e.offline)
		e.queue = append(e.queue, e.offline...)
		e.offline = nil
	}
	e.mu.Unlock()
	if flushed > 0 {
		e.log.Info("offline queue flushed", "items", flushed)
	}
}

// Start launches the propagation and anti-entropy loops.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		ticker := time.NewTicker(propagationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.flushQueue(loopCtx)
			}
		}
	}()

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		ticker := time.NewTicker(e.cfg.AntiEntropyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.publishSummaries(loopCtx)
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopWG.Wait()
		e.loopCancel = nil
	}
}

// flushQueue ships at most one batch per tick.
func (e *Engine) flushQueue(ctx context.Context) {
	e.mu.Lock()
	if len(e.queue) == 0 || !e.online {
		e.mu.Unlock()
		return
	}
	n := e.cfg.QueueBatch
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := make([]models.SyncItem, n)
	copy(batch, e.queue[:n])
	e.mu.Unlock()

	payload, err := json.Marshal(batch)
	if err != nil {
		return
	}
	if err := e.pub.Publish(ctx, TopicItems, payload); err != nil {
		e.log.Warn("propagation batch failed, will retry", "items", len(batch), "error", err)
		return
	}

	e.mu.Lock()
	e.queue = append([]models.SyncItem(nil), e.queue[n:]...)
	for _, sent := range batch {
		if current, ok := e.items[sent.ID]; ok && current.Version == sent.Version && current.State == models.SyncPending {
			current.State = models.SyncSynced
			e.items[sent.ID] = current
		}
	}
	e.mu.Unlock()
}

// Summaries is the anti-entropy digest of everything held locally.
func (e *Engine) Summaries() []models.ItemSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.ItemSummary, 0, len(e.items))
	for _, item := range e.items {
		out = append(out, models.ItemSummary{ID: item.ID, Version: item.Version, Checksum: item.Checksum})
	}
	return out
}

func (e *Engine) publishSummaries(ctx context.Context) {
	summaries := e.Summaries()
	if len(summaries) == 0 {
		return
	}
	payload, err := json.Marshal(summaries)
	if err != nil {
		return
	}
	if err := e.pub.Publish(ctx, TopicSummaries, payload); err != nil {
		e.log.Debug("summary publish failed", "error", err)
	}
}

// DiffSummaries compares a peer digest against local state: ids the
// peer has newer (we want) and full items the peer is behind on (we
// offer).
func (e *Engine) DiffSummaries(remote []models.ItemSummary) (want []string, offer []models.SyncItem) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	remoteByID := make(map[string]models.ItemSummary, len(remote))
	for _, summary := range remote {
		remoteByID[summary.ID] = summary
		local, have := e.items[summary.ID]
		switch {
		case !have:
			want = append(want, summary.ID)
		case summary.Version > local.Version:
			want = append(want, summary.ID)
		case summary.Version == local.Version && summary.Checksum != local.Checksum:
			// Divergence at the same version; pull it so ApplyRemote
			// can run the merge.
			want = append(want, summary.ID)
		}
	}
	for id, item := range e.items {
		summary, known := remoteByID[id]
		if !known || summary.Version < item.Version {
			offer = append(offer, item.Clone())
		}
	}
	return want, offer
}

// ApplyRemote folds a replicated item into local state. Same id and
// version with different checksums is a conflict and triggers the
// type-aware merge; the merged item takes version max+1 and is queued
// so the resolution propagates.
func (e *Engine) ApplyRemote(remote models.SyncItem) error {
	e.mu.Lock()
	local, exists := e.items[remote.ID]
	if !exists || remote.Version > local.Version {
		stored := remote.Clone()
		stored.State = models.SyncSynced
		e.items[remote.ID] = stored
		e.mu.Unlock()
		return nil
	}
	if remote.Version < local.Version {
		e.mu.Unlock()
		return nil
	}
	if remote.Checksum == local.Checksum {
		e.mu.Unlock()
		return nil
	}

	// Conflict: same version, different content. The merge commits
	// inside the same critical section as the snapshot, so a concurrent
	// local update can never be overwritten by a merge computed against
	// a stale copy.
	mergedPayload, err := Merge(local, remote)
	if err != nil {
		local.State = models.SyncError
		e.items[remote.ID] = local
		e.mu.Unlock()
		return fmt.Errorf("merge %s: %w", remote.ID, err)
	}

	mergedVersion := local.Version + 1
	merged := models.SyncItem{
		ID:         remote.ID,
		Type:       local.Type,
		Payload:    mergedPayload,
		Version:    mergedVersion,
		Checksum:   payloadChecksum(mergedPayload),
		Timestamp:  time.Now().UTC(),
		OriginNode: e.selfID,
		State:      models.SyncPending,
	}

	e.items[remote.ID] = merged
	e.conflicts = append(e.conflicts, ConflictRecord{
		ItemID:     remote.ID,
		Local:      local.Version,
		Remote:     remote.Version,
		MergedInto: mergedVersion,
		At:         time.Now().UTC(),
	})
	e.mu.Unlock()

	e.log.Info("conflict merged", "item_id", remote.ID, "version", mergedVersion)
	return e.enqueue(merged)
}

// ApplyRemoteBatch applies a propagation batch in order.
func (e *Engine) ApplyRemoteBatch(payload []byte) error {
	var batch []models.SyncItem
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("decode sync batch: %w", err)
	}
	for _, item := range batch {
		if item.OriginNode == e.selfID {
			continue
		}
		if err := e.ApplyRemote(item); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Conflicts() []ConflictRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ConflictRecord(nil), e.conflicts...)
}

// Stats reports queue depths for the status surface.
func (e *Engine) Stats() (items, queued, parked, conflicts int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.items), len(e.queue), len(e.offline), len(e.conflicts)
}
