package transport

import (
	"fmt"
	"sync"
	"time"

	"driftmesh/go-core/pkg/models"
)

// LinkQuality is the simulated medium condition for one transport kind
// on the fabric. Transports sample it when computing health, and tests
// drive fallback scenarios by adjusting it.
type LinkQuality struct {
	LatencyMs   float64
	Reliability float64
	Bandwidth   float64
	Down        bool
}

func defaultLinkQuality(kind models.TransportKind) LinkQuality {
	switch kind {
	case models.TransportMesh:
		return LinkQuality{LatencyMs: 80, Reliability: 97, Bandwidth: 10}
	case models.TransportLocal:
		return LinkQuality{LatencyMs: 5, Reliability: 99, Bandwidth: 100}
	case models.TransportProximity:
		return LinkQuality{LatencyMs: 40, Reliability: 90, Bandwidth: 2}
	default:
		return LinkQuality{Down: true}
	}
}

type fabricPort struct {
	desc    models.PeerDescriptor
	handler Handler
}

// Fabric is the in-process switchboard every transport backend attaches
// to. Each transport kind is its own namespace: a node present on the
// mesh segment is invisible to the local segment. Messages for detached
// mesh recipients are held in a mailbox and flushed when the recipient
// attaches, matching store-and-forward relay behaviour.
type Fabric struct {
	mu      sync.Mutex
	ports   map[models.TransportKind]map[string]*fabricPort
	mailbox map[models.TransportKind]map[string][]Message
	links   map[models.TransportKind]LinkQuality
}

func NewFabric() *Fabric {
	return &Fabric{
		ports:   make(map[models.TransportKind]map[string]*fabricPort),
		mailbox: make(map[models.TransportKind]map[string][]Message),
		links:   make(map[models.TransportKind]LinkQuality),
	}
}

func (f *Fabric) Attach(kind models.TransportKind, desc models.PeerDescriptor, handler Handler) {
	f.mu.Lock()
	segment, ok := f.ports[kind]
	if !ok {
		segment = make(map[string]*fabricPort)
		f.ports[kind] = segment
	}
	desc.Transport = kind
	desc.LastSeen = time.Now()
	segment[desc.ID] = &fabricPort{desc: desc, handler: handler}

	var pending []Message
	if box, ok := f.mailbox[kind]; ok {
		pending = append(pending, box[desc.ID]...)
		delete(box, desc.ID)
	}
	f.mu.Unlock()

	for _, msg := range pending {
		handler(msg)
	}
}

func (f *Fabric) Detach(kind models.TransportKind, nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if segment, ok := f.ports[kind]; ok {
		delete(segment, nodeID)
	}
}

// Send delivers to a single attached recipient. Mesh sends to detached
// recipients are parked in the mailbox; other kinds have no relay and
// fail immediately.
func (f *Fabric) Send(kind models.TransportKind, msg Message) error {
	f.mu.Lock()
	quality := f.qualityLocked(kind)
	if quality.Down {
		f.mu.Unlock()
		return ErrLinkDown
	}
	segment := f.ports[kind]
	port, attached := segment[msg.RecipientID]
	if !attached {
		if kind != models.TransportMesh {
			f.mu.Unlock()
			return fmt.Errorf("%w: %s via %s", ErrPeerUnreachable, msg.RecipientID, kind)
		}
		box, ok := f.mailbox[kind]
		if !ok {
			box = make(map[string][]Message)
			f.mailbox[kind] = box
		}
		box[msg.RecipientID] = append(box[msg.RecipientID], msg)
		f.mu.Unlock()
		return nil
	}
	handler := port.handler
	f.mu.Unlock()

	go handler(msg)
	return nil
}

// Broadcast delivers to every attached node on the segment except the
// sender.
func (f *Fabric) Broadcast(kind models.TransportKind, msg Message) error {
	f.mu.Lock()
	quality := f.qualityLocked(kind)
	if quality.Down {
		f.mu.Unlock()
		return ErrLinkDown
	}
	handlers := make([]Handler, 0, len(f.ports[kind]))
	for id, port := range f.ports[kind] {
		if id == msg.SenderID {
			continue
		}
		handlers = append(handlers, port.handler)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		go h(msg)
	}
	return nil
}

// PeersOf lists the nodes attached to a segment, excluding selfID.
func (f *Fabric) PeersOf(kind models.TransportKind, selfID string) []models.PeerDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	segment := f.ports[kind]
	out := make([]models.PeerDescriptor, 0, len(segment))
	for id, port := range segment {
		if id == selfID {
			continue
		}
		out = append(out, port.desc)
	}
	return out
}

func (f *Fabric) SetLinkQuality(kind models.TransportKind, q LinkQuality) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[kind] = q
}

func (f *Fabric) Quality(kind models.TransportKind) LinkQuality {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qualityLocked(kind)
}

func (f *Fabric) qualityLocked(kind models.TransportKind) LinkQuality {
	if q, ok := f.links[kind]; ok {
		return q
	}
	return defaultLinkQuality(kind)
}
