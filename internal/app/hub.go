package app

import (
	"sync"
	"time"
)

// Event kinds surfaced to local subscribers (UI, CLI, tests).
const (
	EventTransportSwitched = "transport.switched"
	EventPeerConnected     = "peer.connected"
	EventDataSynced        = "data.synced"
	EventConflictDetected  = "sync.conflict"
	EventPresenceChanged   = "collab.presence"
	EventSessionOpened     = "collab.session_opened"
)

// Event is one node-local notification. Seq is monotonically
// increasing so late subscribers can replay what they missed.
type Event struct {
	Seq     int64     `json:"seq"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// EventHub fans node events out to subscribers and keeps a bounded
// replay history. Slow subscribers are dropped rather than blocking
// the publisher.
type EventHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]chan Event
	nextSub int
}

func NewEventHub(limit int) *EventHub {
	if limit < 1 {
		limit = 1
	}
	return &EventHub{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

func (h *EventHub) Publish(kind string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := Event{
		Seq:     h.nextSeq,
		Kind:    kind,
		Payload: payload,
		At:      time.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]Event(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	return event
}

// Subscribe returns events newer than fromSeq already in history, a
// live channel, and a cancel func that releases the subscription.
func (h *EventHub) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]Event, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *EventHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}
