package app

import (
	"context"
	"encoding/json"
	"time"

	"driftmesh/go-core/internal/chunkstore"
	"driftmesh/go-core/internal/collab"
	"driftmesh/go-core/internal/syncengine"
	"driftmesh/go-core/internal/transport"
	"driftmesh/go-core/pkg/models"
)

const topicSessionAnnounce = "collab/session"

type sessionAnnounce struct {
	Meta     models.CollaborationSession `json:"meta"`
	Document string                      `json:"document"`
}

func marshalManifest(m chunkstore.Manifest) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalManifest(raw []byte, m *chunkstore.Manifest) error {
	return json.Unmarshal(raw, m)
}

func (c *Core) announceSession(ctx context.Context, meta models.CollaborationSession, document string) {
	body, err := json.Marshal(sessionAnnounce{Meta: meta, Document: document})
	if err != nil {
		return
	}
	if err := c.pub.Publish(ctx, topicSessionAnnounce, body); err != nil {
		c.log.Debug("session announce failed", "session_id", meta.SessionID, "error", err)
	}
}

// inbound returns the message handler for one transport. Handlers run
// on transport goroutines and must stay non-blocking.
func (c *Core) inbound(kind models.TransportKind) transport.Handler {
	return func(msg transport.Message) {
		if msg.SenderID == c.ids.NodeID() {
			return
		}
		if !c.limiter.Allow(msg.SenderID, time.Now()) {
			c.met.MessagesDropped.WithLabelValues("rate_limited").Inc()
			return
		}

		var env models.SealedEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			c.met.MessagesDropped.WithLabelValues("malformed").Inc()
			return
		}
		plain, err := c.codec.Open(c.activeChannel(), env)
		if err != nil {
			c.met.MessagesDropped.WithLabelValues("envelope").Inc()
			c.log.Debug("envelope rejected", "topic", msg.Topic, "sender_id", env.SenderID, "error", err)
			return
		}
		c.route(msg.Topic, env.SenderID, plain)
	}
}

func (c *Core) route(topic, senderID string, plain []byte) {
	ctx := context.Background()
	switch topic {
	case syncengine.TopicItems:
		c.handleItemBatch(senderID, plain)
	case syncengine.TopicSummaries:
		c.handleSummaries(ctx, senderID, plain)
	case syncengine.TopicRequest:
		c.handleItemRequest(ctx, senderID, plain)
	case collab.TopicOperations:
		c.handleOperation(plain)
	case collab.TopicPresence:
		c.handlePresence(plain)
	case topicSessionAnnounce:
		c.handleSessionAnnounce(plain)
	case topicChunkPush:
		c.handleChunkPush(plain)
	case topicChunkRequest:
		c.handleChunkRequest(ctx, senderID, plain)
	case topicChunkResponse:
		c.handleChunkResponse(plain)
	case topicChunkManifest:
		c.handleManifest(plain)
	default:
		c.met.MessagesDropped.WithLabelValues("unknown_topic").Inc()
	}
}

func (c *Core) handleItemBatch(senderID string, plain []byte) {
	before := len(c.sync.Conflicts())
	if err := c.sync.ApplyRemoteBatch(plain); err != nil {
		c.met.ItemsApplied.WithLabelValues("rejected").Inc()
		return
	}
	var items []models.SyncItem
	if err := json.Unmarshal(plain, &items); err != nil {
		return
	}
	for _, item := range items {
		if current, ok := c.sync.Item(item.ID); ok {
			if err := c.store.SaveItem(current); err != nil {
				c.log.Warn("item persistence failed", "item_id", item.ID, "error", err)
			}
		}
	}
	c.met.ItemsApplied.WithLabelValues("accepted").Add(float64(len(items)))

	if after := c.sync.Conflicts(); len(after) > before {
		for _, rec := range after[before:] {
			c.met.SyncConflicts.Inc()
			c.hub.Publish(EventConflictDetected, rec)
		}
	}
	c.hub.Publish(EventDataSynced, map[string]any{"peer_id": senderID, "items": len(items)})
}

func (c *Core) handleSummaries(ctx context.Context, senderID string, plain []byte) {
	var remote []models.ItemSummary
	if err := json.Unmarshal(plain, &remote); err != nil {
		return
	}
	want, offer := c.sync.DiffSummaries(remote)
	if len(offer) > 0 {
		if body, err := json.Marshal(offer); err == nil {
			if err := c.pub.sendTo(ctx, senderID, syncengine.TopicItems, body); err != nil {
				c.log.Debug("anti-entropy offer failed", "peer_id", senderID, "error", err)
			}
		}
	}
	if len(want) > 0 {
		if body, err := json.Marshal(want); err == nil {
			if err := c.pub.sendTo(ctx, senderID, syncengine.TopicRequest, body); err != nil {
				c.log.Debug("anti-entropy request failed", "peer_id", senderID, "error", err)
			}
		}
	}
}

func (c *Core) handleItemRequest(ctx context.Context, senderID string, plain []byte) {
	var ids []string
	if err := json.Unmarshal(plain, &ids); err != nil {
		return
	}
	items := make([]models.SyncItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := c.sync.Item(id); ok {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return
	}
	if body, err := json.Marshal(items); err == nil {
		if err := c.pub.sendTo(ctx, senderID, syncengine.TopicItems, body); err != nil {
			c.log.Debug("item request reply failed", "peer_id", senderID, "error", err)
		}
	}
}

func (c *Core) handleOperation(plain []byte) {
	var op models.Operation
	if err := json.Unmarshal(plain, &op); err != nil {
		return
	}
	if _, err := c.collab.ApplyRemoteOperation(op.SessionID, op); err != nil {
		c.log.Debug("remote operation rejected", "session_id", op.SessionID, "error", err)
		return
	}
	c.met.OperationsApplied.WithLabelValues("remote").Inc()
}

func (c *Core) handlePresence(plain []byte) {
	var update collab.PresenceUpdate
	if err := json.Unmarshal(plain, &update); err != nil {
		return
	}
	c.collab.ApplyRemotePresence(update.SessionID, update.Presence)
	c.hub.Publish(EventPresenceChanged, update)
}

func (c *Core) handleSessionAnnounce(plain []byte) {
	var ann sessionAnnounce
	if err := json.Unmarshal(plain, &ann); err != nil {
		return
	}
	c.collab.AdoptSession(ann.Meta, ann.Document)
}

func (c *Core) handleChunkPush(plain []byte) {
	var chunk models.DataChunk
	if err := json.Unmarshal(plain, &chunk); err != nil {
		return
	}
	if err := c.chunks.ReceiveChunk(chunk); err != nil {
		c.met.MessagesDropped.WithLabelValues("chunk_corrupt").Inc()
	}
}

func (c *Core) handleChunkRequest(ctx context.Context, senderID string, plain []byte) {
	var req chunkRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		return
	}
	chunk, ok := c.chunks.ServeChunk(req.ChunkID)
	resp := chunkResponse{RequestID: req.RequestID, Found: ok, Chunk: chunk}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.pub.sendTo(ctx, senderID, topicChunkResponse, body); err != nil {
		c.log.Debug("chunk response failed", "peer_id", senderID, "error", err)
	}
}

func (c *Core) handleChunkResponse(plain []byte) {
	var resp chunkResponse
	if err := json.Unmarshal(plain, &resp); err != nil {
		return
	}
	c.chunkCli.fulfill(resp)
}

func (c *Core) handleManifest(plain []byte) {
	var m chunkstore.Manifest
	if err := unmarshalManifest(plain, &m); err != nil {
		return
	}
	c.chunks.RegisterManifest(m)
	if err := c.store.SaveManifest(m.DataID, m); err != nil {
		c.log.Warn("manifest persistence failed", "data_id", m.DataID, "error", err)
	}
}
