package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftmesh/go-core/internal/fallback"
	"driftmesh/go-core/internal/platform/metrics"
	"driftmesh/go-core/internal/security"
	"driftmesh/go-core/internal/transport"
	"driftmesh/go-core/pkg/models"
)

// Chunk exchange rides the same envelope channel as sync traffic.
const (
	topicChunkPush     = "chunk/push"
	topicChunkRequest  = "chunk/request"
	topicChunkResponse = "chunk/response"
	topicChunkManifest = "chunk/manifest"
)

type chunkRequest struct {
	RequestID string `json:"request_id"`
	ChunkID   string `json:"chunk_id"`
}

type chunkResponse struct {
	RequestID string           `json:"request_id"`
	Found     bool             `json:"found"`
	Chunk     models.DataChunk `json:"chunk,omitempty"`
}

// securePublisher seals every outbound payload into a channel envelope
// and hands it to the fallback coordinator, so the sync and collab
// engines always ride the currently active transport.
type securePublisher struct {
	selfID    string
	channelID func() string
	codec     *security.Codec
	coord     *fallback.Coordinator
}

func (p *securePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	env, err := p.codec.Seal(p.channelID(), "", payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.coord.Broadcast(ctx, transport.Message{
		ID:        uuid.NewString(),
		SenderID:  p.selfID,
		Topic:     topic,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	})
}

func (p *securePublisher) sendTo(ctx context.Context, recipientID, topic string, payload []byte) error {
	env, err := p.codec.Seal(p.channelID(), recipientID, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.coord.Send(ctx, transport.Message{
		ID:          uuid.NewString(),
		SenderID:    p.selfID,
		RecipientID: recipientID,
		Topic:       topic,
		Payload:     body,
		Timestamp:   time.Now().UTC(),
	})
}

// chunkClient lets the chunk store push and fetch chunks over the
// active transport. Fetches are correlated with responses through a
// pending-request table keyed by request id.
type chunkClient struct {
	pub   *securePublisher
	coord *fallback.Coordinator
	log   *slog.Logger
	met   *metrics.Set

	mu      sync.Mutex
	pending map[string]chan chunkResponse
}

func newChunkClient(pub *securePublisher, coord *fallback.Coordinator, met *metrics.Set, log *slog.Logger) *chunkClient {
	return &chunkClient{
		pub:     pub,
		coord:   coord,
		log:     log,
		met:     met,
		pending: make(map[string]chan chunkResponse),
	}
}

func (c *chunkClient) ChunkPeers() []models.PeerDescriptor {
	active, err := c.coord.ActiveTransport()
	if err != nil {
		return nil
	}
	return active.Peers()
}

func (c *chunkClient) PushChunk(ctx context.Context, peerID string, chunk models.DataChunk) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return c.pub.sendTo(ctx, peerID, topicChunkPush, body)
}

func (c *chunkClient) FetchChunk(ctx context.Context, peerID, chunkID string) (models.DataChunk, bool, error) {
	reqID := uuid.NewString()
	ch := make(chan chunkResponse, 1)

	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	body, err := json.Marshal(chunkRequest{RequestID: reqID, ChunkID: chunkID})
	if err != nil {
		return models.DataChunk{}, false, err
	}
	if err := c.pub.sendTo(ctx, peerID, topicChunkRequest, body); err != nil {
		return models.DataChunk{}, false, fmt.Errorf("chunk request to %s: %w", peerID, err)
	}

	select {
	case <-ctx.Done():
		return models.DataChunk{}, false, ctx.Err()
	case resp := <-ch:
		if !resp.Found {
			// The store will retry against another replica holder.
			c.met.ChunkFetchRetries.Inc()
			return models.DataChunk{}, false, nil
		}
		return resp.Chunk, true, nil
	}
}

// fulfill routes an inbound chunk response to its waiting fetch, if
// the fetch is still pending.
func (c *chunkClient) fulfill(resp chunkResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
