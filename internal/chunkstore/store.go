package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/pkg/models"
)

var (
	ErrUnknownData          = errors.New("unknown data id")
	ErrChunkCorrupt         = errors.New("chunk checksum mismatch")
	ErrIncomplete           = errors.New("could not gather all chunks")
	ErrRetrievalAbandoned   = errors.New("retrieval abandoned by transport switchover")
	ErrEmptyPayloadExpected = errors.New("manifest declares no chunks but payload is non-empty")
)

// PeerClient is how the store reaches other nodes. The app layer backs
// it with whatever transport is currently active, so the store never
// couples to one channel.
type PeerClient interface {
	ChunkPeers() []models.PeerDescriptor
	PushChunk(ctx context.Context, peerID string, chunk models.DataChunk) error
	FetchChunk(ctx context.Context, peerID, chunkID string) (models.DataChunk, bool, error)
}

// Manifest describes one stored payload: ordered chunk ids plus the
// whole-payload checksum used to verify reassembly.
type Manifest struct {
	DataID    string    `json:"data_id"`
	TotalSize int       `json:"total_size"`
	ChunkIDs  []string  `json:"chunk_ids"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the chunked object store. Payloads are split into fixed
// content-addressed chunks, replicated to a random subset of capable
// peers under a rate limiter, and reassembled on demand with bounded
// fetch concurrency.
type Store struct {
	cfg    config.ChunkConfig
	peers  PeerClient
	log    *slog.Logger
	limit  *rate.Limiter
	selfID string

	mu        sync.RWMutex
	chunks    map[string]models.DataChunk
	manifests map[string]Manifest
	replicas  map[string]map[string]struct{} // chunkID -> peerIDs holding it

	// Bumped on transport switchover; in-flight retrievals notice the
	// change and abandon so the caller can reissue cleanly.
	switchGen atomic.Int64

	repairCancel context.CancelFunc
	repairWG     sync.WaitGroup
}

func NewStore(cfg config.ChunkConfig, selfID string, peers PeerClient, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 3
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = 30 * time.Second
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 5
	}
	rps := cfg.DistributeRPS
	if rps <= 0 {
		rps = 200
	}
	burst := cfg.DistributeBurst
	if burst <= 0 {
		burst = 20
	}
	return &Store{
		cfg:       cfg,
		peers:     peers,
		log:       log.With("component", "chunkstore"),
		limit:     rate.NewLimiter(rate.Limit(rps), burst),
		selfID:    selfID,
		chunks:    make(map[string]models.DataChunk),
		manifests: make(map[string]Manifest),
		replicas:  make(map[string]map[string]struct{}),
	}
}

func chunkChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split cuts a payload into content-addressed chunks. Identical bytes
// always produce the same chunk id, so duplicate content dedupes.
func Split(dataID string, payload []byte, chunkSize int) []models.DataChunk {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	out := make([]models.DataChunk, 0, len(payload)/chunkSize+1)
	for i := 0; i < len(payload); i += chunkSize {
		end := i + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		data := append([]byte(nil), payload[i:end]...)
		sum := chunkChecksum(data)
		out = append(out, models.DataChunk{
			ChunkID:  sum,
			DataID:   dataID,
			Index:    i / chunkSize,
			Data:     data,
			Checksum: sum,
			Size:     len(data),
		})
	}
	return out
}

// Store splits, keeps every chunk locally and replicates each chunk to
// up to ReplicationFactor random capable peers. Replication failures
// degrade durability but never fail the store: the repair loop retries.
func (s *Store) Store(ctx context.Context, dataID string, payload []byte) (Manifest, error) {
	chunks := Split(dataID, payload, s.cfg.ChunkSize)
	manifest := Manifest{
		DataID:    dataID,
		TotalSize: len(payload),
		ChunkIDs:  make([]string, len(chunks)),
		Checksum:  chunkChecksum(payload),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	for i, chunk := range chunks {
		manifest.ChunkIDs[i] = chunk.ChunkID
		s.chunks[chunk.ChunkID] = chunk
	}
	s.manifests[dataID] = manifest
	s.mu.Unlock()

	for _, chunk := range chunks {
		s.replicate(ctx, chunk)
	}

	s.log.Info("payload stored", "data_id", dataID, "bytes", len(payload), "chunks", len(chunks))
	return manifest, nil
}

func (s *Store) replicate(ctx context.Context, chunk models.DataChunk) {
	peers := s.peers.ChunkPeers()
	if len(peers) == 0 {
		return
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	want := s.cfg.ReplicationFactor
	if want > len(peers) {
		want = len(peers)
	}
	s.mu.RLock()
	placed := len(s.replicas[chunk.ChunkID])
	s.mu.RUnlock()
	for _, peer := range peers {
		if placed >= want {
			break
		}
		if s.holdsReplica(chunk.ChunkID, peer.ID) {
			continue
		}
		if err := s.limit.Wait(ctx); err != nil {
			return
		}
		if err := s.peers.PushChunk(ctx, peer.ID, chunk); err != nil {
			s.log.Debug("chunk replication failed", "chunk_id", chunk.ChunkID, "peer", peer.ID, "error", err)
			continue
		}
		s.recordReplica(chunk.ChunkID, peer.ID)
		placed++
	}
	if placed < want {
		s.log.Warn("under-replicated chunk", "chunk_id", chunk.ChunkID, "placed", placed, "want", want)
	}
}

func (s *Store) holdsReplica(chunkID, peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.replicas[chunkID][peerID]
	return ok
}

func (s *Store) recordReplica(chunkID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.replicas[chunkID]
	if !ok {
		set = make(map[string]struct{})
		s.replicas[chunkID] = set
	}
	set[peerID] = struct{}{}
}

// ReceiveChunk stores a chunk pushed by a peer. Corrupt chunks are
// rejected so they are re-requested rather than silently kept.
func (s *Store) ReceiveChunk(chunk models.DataChunk) error {
	if chunkChecksum(chunk.Data) != chunk.Checksum || chunk.ChunkID != chunk.Checksum {
		return fmt.Errorf("%w: %s", ErrChunkCorrupt, chunk.ChunkID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunk.ChunkID] = chunk
	return nil
}

// ServeChunk answers a peer's fetch request from local storage.
func (s *Store) ServeChunk(chunkID string) (models.DataChunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[chunkID]
	return chunk, ok
}

// ManifestFor returns the stored manifest of a payload.
func (s *Store) ManifestFor(dataID string) (Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[dataID]
	return m, ok
}

// RegisterManifest records a manifest learned from a peer so the data
// becomes retrievable here.
func (s *Store) RegisterManifest(m Manifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.DataID] = m
}

// NotifySwitchover abandons in-flight retrievals; callers see
// ErrRetrievalAbandoned and reissue on the new transport.
func (s *Store) NotifySwitchover() {
	s.switchGen.Add(1)
}

// Retrieve reassembles a payload, fetching missing chunks from peers
// with bounded concurrency inside the retrieve timeout. Every fetched
// chunk is checksum-verified; a corrupt copy is discarded and the next
// peer is tried.
func (s *Store) Retrieve(ctx context.Context, dataID string) ([]byte, error) {
	s.mu.RLock()
	manifest, ok := s.manifests[dataID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownData, dataID)
	}
	if len(manifest.ChunkIDs) == 0 {
		if manifest.TotalSize != 0 {
			return nil, ErrEmptyPayloadExpected
		}
		return []byte{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RetrieveTimeout)
	defer cancel()
	gen := s.switchGen.Load()

	missing := make([]string, 0)
	s.mu.RLock()
	for _, chunkID := range manifest.ChunkIDs {
		if _, have := s.chunks[chunkID]; !have {
			missing = append(missing, chunkID)
		}
	}
	s.mu.RUnlock()

	if len(missing) > 0 {
		if err := s.fetchMissing(ctx, gen, missing); err != nil {
			return nil, err
		}
	}

	return s.assemble(manifest)
}

func (s *Store) fetchMissing(ctx context.Context, gen int64, missing []string) error {
	sem := make(chan struct{}, s.cfg.FetchConcurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, len(missing))

	for _, chunkID := range missing {
		wg.Add(1)
		go func(chunkID string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			if err := s.fetchOne(ctx, gen, chunkID); err != nil {
				errCh <- err
			}
		}(chunkID)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if errors.Is(err, ErrRetrievalAbandoned) {
			return err
		}
	}
	// Completeness check after the fan-in: every chunk must be present.
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chunkID := range missing {
		if _, ok := s.chunks[chunkID]; !ok {
			return fmt.Errorf("%w: missing %s", ErrIncomplete, chunkID)
		}
	}
	return nil
}

func (s *Store) fetchOne(ctx context.Context, gen int64, chunkID string) error {
	candidates := s.candidatePeers(chunkID)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no peers hold %s", ErrIncomplete, chunkID)
	}
	for i, peerID := range candidates {
		if s.switchGen.Load() != gen {
			return ErrRetrievalAbandoned
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A silent peer must not consume the whole retrieve budget: each
		// attempt gets an even share of the time left so the remaining
		// holders still get their turn.
		attemptCtx, cancel := context.WithTimeout(ctx, attemptShare(ctx, len(candidates)-i))
		chunk, found, err := s.peers.FetchChunk(attemptCtx, peerID, chunkID)
		cancel()
		if err != nil || !found {
			continue
		}
		if chunkChecksum(chunk.Data) != chunkID {
			s.log.Warn("corrupt chunk received, retrying elsewhere", "chunk_id", chunkID, "peer", peerID)
			continue
		}
		s.mu.Lock()
		s.chunks[chunkID] = chunk
		s.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: all peers failed for %s", ErrIncomplete, chunkID)
}

// attemptShare splits the time left on ctx evenly across the peers not
// yet tried.
func attemptShare(ctx context.Context, peersLeft int) time.Duration {
	const floor = 100 * time.Millisecond
	deadline, ok := ctx.Deadline()
	if !ok {
		return 5 * time.Second
	}
	if peersLeft < 1 {
		peersLeft = 1
	}
	share := time.Until(deadline) / time.Duration(peersLeft)
	if share < floor {
		share = floor
	}
	return share
}

// candidatePeers prefers peers known to hold the chunk, then falls back
// to every chunk-capable peer.
func (s *Store) candidatePeers(chunkID string) []string {
	s.mu.RLock()
	known := make([]string, 0, len(s.replicas[chunkID]))
	for peerID := range s.replicas[chunkID] {
		known = append(known, peerID)
	}
	s.mu.RUnlock()

	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	for _, peer := range s.peers.ChunkPeers() {
		if _, dup := seen[peer.ID]; dup || peer.ID == s.selfID {
			continue
		}
		known = append(known, peer.ID)
	}
	return known
}

func (s *Store) assemble(manifest Manifest) ([]byte, error) {
	payload := make([]byte, 0, manifest.TotalSize)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chunkID := range manifest.ChunkIDs {
		chunk, ok := s.chunks[chunkID]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrIncomplete, chunkID)
		}
		payload = append(payload, chunk.Data...)
	}
	if chunkChecksum(payload) != manifest.Checksum {
		return nil, fmt.Errorf("%w: assembled payload for %s", ErrChunkCorrupt, manifest.DataID)
	}
	return payload, nil
}

// StartRepair runs the periodic re-replication pass.
func (s *Store) StartRepair(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	repairCtx, cancel := context.WithCancel(ctx)
	s.repairCancel = cancel
	s.repairWG.Add(1)
	go func() {
		defer s.repairWG.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-repairCtx.Done():
				return
			case <-ticker.C:
				s.repairPass(repairCtx)
			}
		}
	}()
}

func (s *Store) StopRepair() {
	if s.repairCancel != nil {
		s.repairCancel()
		s.repairWG.Wait()
		s.repairCancel = nil
	}
}

func (s *Store) repairPass(ctx context.Context) {
	s.mu.RLock()
	under := make([]models.DataChunk, 0)
	for chunkID, chunk := range s.chunks {
		if len(s.replicas[chunkID]) < s.cfg.ReplicationFactor {
			under = append(under, chunk)
		}
	}
	s.mu.RUnlock()

	for _, chunk := range under {
		if ctx.Err() != nil {
			return
		}
		s.replicate(ctx, chunk)
	}
	if len(under) > 0 {
		s.log.Debug("repair pass completed", "chunks_checked", len(under))
	}
}

// Stats reports local storage counters for the status surface.
func (s *Store) Stats() (objects, chunks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.manifests), len(s.chunks)
}
