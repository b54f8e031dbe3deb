package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("collaboration session not found")
	ErrSessionClosed   = errors.New("collaboration session is closed")
	ErrNotParticipant  = errors.New("not a session participant")
	ErrBadOperation    = errors.New("operation out of bounds")
)

const (
	TopicOperations = "collab/operations"
	TopicPresence   = "collab/presence"
)

// Publisher broadcasts collaboration traffic to session peers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PresenceUpdate is the wire shape for presence broadcasts; presence
// alone does not identify its session.
type PresenceUpdate struct {
	SessionID string          `json:"session_id"`
	Presence  models.Presence `json:"presence"`
}

type session struct {
	meta     models.CollaborationSession
	document []rune
	history  []models.Operation
	presence map[string]models.Presence
}

// Engine hosts live co-editing sessions: operations are rebased against
// concurrent history before touching the document, presence is tracked
// per participant, and idle sessions age out on a sweeper.
type Engine struct {
	cfg    config.CollabConfig
	log    *slog.Logger
	selfID string
	pub    Publisher

	mu       sync.RWMutex
	sessions map[string]*session

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

func NewEngine(cfg config.CollabConfig, selfID string, pub Publisher, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.HistoryTrim <= 0 || cfg.HistoryTrim > cfg.HistoryLimit {
		cfg.HistoryTrim = cfg.HistoryLimit / 2
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 30 * time.Second
	}
	if cfg.RemoveAfter <= 0 {
		cfg.RemoveAfter = 5 * time.Minute
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = time.Hour
	}
	if cfg.SessionPurge <= 0 {
		cfg.SessionPurge = 24 * time.Hour
	}
	return &Engine{
		cfg:      cfg,
		log:      log.With("component", "collab"),
		selfID:   selfID,
		pub:      pub,
		sessions: make(map[string]*session),
	}
}

// OpenSession creates a session for a document with an initial text and
// participant set.
func (e *Engine) OpenSession(documentID, initialText string, participants []string) models.CollaborationSession {
	now := time.Now().UTC()
	meta := models.CollaborationSession{
		SessionID:    uuid.NewString(),
		DocumentID:   documentID,
		Participants: append([]string(nil), participants...),
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	s := &session{
		meta:     meta,
		document: []rune(initialText),
		presence: make(map[string]models.Presence),
	}

	e.mu.Lock()
	e.sessions[meta.SessionID] = s
	e.mu.Unlock()

	e.log.Info("session opened", "session_id", meta.SessionID, "document_id", documentID, "participants", len(participants))
	return meta
}

// AdoptSession registers a replica of a session opened on another
// node so remote operations find a target. Re-adoption of a known
// session is a no-op.
func (e *Engine) AdoptSession(meta models.CollaborationSession, document string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[meta.SessionID]; ok {
		return
	}
	e.sessions[meta.SessionID] = &session{
		meta:     cloneMeta(meta),
		document: []rune(document),
		presence: make(map[string]models.Presence),
	}
	e.log.Info("session adopted", "session_id", meta.SessionID, "document_id", meta.DocumentID)
}

// JoinSession adds a participant to a running session.
func (e *Engine) JoinSession(sessionID, participantID string) (models.CollaborationSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return models.CollaborationSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.meta.Active {
		return models.CollaborationSession{}, ErrSessionClosed
	}
	for _, p := range s.meta.Participants {
		if p == participantID {
			return cloneMeta(s.meta), nil
		}
	}
	s.meta.Participants = append(s.meta.Participants, participantID)
	s.meta.LastActivity = time.Now().UTC()
	return cloneMeta(s.meta), nil
}

func (e *Engine) CloseSession(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.meta.Active = false
	s.meta.LastActivity = time.Now().UTC()
	return nil
}

// Session returns a snapshot of the session metadata.
func (e *Engine) Session(sessionID string) (models.CollaborationSession, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return models.CollaborationSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return cloneMeta(s.meta), nil
}

func (e *Engine) Document(sessionID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return string(s.document), nil
}

func (e *Engine) ActiveSessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, s := range e.sessions {
		if s.meta.Active {
			n++
		}
	}
	return n
}

// ApplyOperation rebases op against concurrent history, applies it to
// the document, records it and broadcasts it to peers.
func (e *Engine) ApplyOperation(ctx context.Context, sessionID string, op models.Operation) (models.Operation, error) {
	applied, err := e.applyLocked(sessionID, op)
	if err != nil {
		return models.Operation{}, err
	}
	e.broadcastOperation(ctx, applied)
	return applied, nil
}

// ApplyRemoteOperation folds in an operation broadcast by a peer.
func (e *Engine) ApplyRemoteOperation(sessionID string, op models.Operation) (models.Operation, error) {
	return e.applyLocked(sessionID, op)
}

func (e *Engine) applyLocked(sessionID string, op models.Operation) (models.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return models.Operation{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.meta.Active {
		return models.Operation{}, ErrSessionClosed
	}
	if !isParticipant(s.meta, op.Author) {
		return models.Operation{}, fmt.Errorf("%w: %s", ErrNotParticipant, op.Author)
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	op.SessionID = sessionID

	rebased := rebase(op, s.history)
	doc, err := applyToDocument(s.document, rebased)
	if err != nil {
		return models.Operation{}, err
	}
	s.document = doc
	s.history = append(s.history, rebased)
	if len(s.history) > e.cfg.HistoryLimit {
		trimmed := make([]models.Operation, e.cfg.HistoryTrim)
		copy(trimmed, s.history[len(s.history)-e.cfg.HistoryTrim:])
		s.history = trimmed
	}
	s.meta.LastActivity = time.Now().UTC()

	if p, ok := s.presence[op.Author]; ok {
		p.LastSeen = time.Now().UTC()
		p.Active = true
		s.presence[op.Author] = p
	}
	return rebased, nil
}

// ApplyBatch reapplies a set of operations in timestamp order, used
// when a reconnecting peer replays what it missed.
func (e *Engine) ApplyBatch(sessionID string, ops []models.Operation) (int, error) {
	sorted := append([]models.Operation(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	applied := 0
	for _, op := range sorted {
		if _, err := e.applyLocked(sessionID, op); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// rebase shifts op's position past concurrent operations that were
// recorded with an earlier or equal timestamp: inserts push it forward,
// deletes pull it back.
func rebase(op models.Operation, history []models.Operation) models.Operation {
	for _, prior := range history {
		if prior.Timestamp.After(op.Timestamp) {
			continue
		}
		if prior.Author == op.Author {
			continue
		}
		switch prior.Type {
		case models.OpInsert:
			if prior.Position <= op.Position {
				op.Position += len([]rune(prior.Content))
			}
		case models.OpDelete:
			if prior.Position < op.Position {
				shift := prior.Length
				if over := prior.Position + prior.Length - op.Position; over > 0 {
					shift -= over
				}
				op.Position -= shift
			}
		}
	}
	if op.Position < 0 {
		op.Position = 0
	}
	return op
}

func applyToDocument(doc []rune, op models.Operation) ([]rune, error) {
	switch op.Type {
	case models.OpInsert:
		if op.Position < 0 || op.Position > len(doc) {
			return nil, fmt.Errorf("%w: insert at %d in %d", ErrBadOperation, op.Position, len(doc))
		}
		content := []rune(op.Content)
		out := make([]rune, 0, len(doc)+len(content))
		out = append(out, doc[:op.Position]...)
		out = append(out, content...)
		out = append(out, doc[op.Position:]...)
		return out, nil
	case models.OpDelete:
		if op.Position < 0 || op.Position > len(doc) {
			return nil, fmt.Errorf("%w: delete at %d in %d", ErrBadOperation, op.Position, len(doc))
		}
		end := op.Position + op.Length
		if end > len(doc) {
			end = len(doc)
		}
		out := make([]rune, 0, len(doc)-(end-op.Position))
		out = append(out, doc[:op.Position]...)
		out = append(out, doc[end:]...)
		return out, nil
	case models.OpRetain:
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrBadOperation, op.Type)
	}
}

func (e *Engine) broadcastOperation(ctx context.Context, op models.Operation) {
	if e.pub == nil {
		return
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return
	}
	if err := e.pub.Publish(ctx, TopicOperations, payload); err != nil {
		e.log.Debug("operation broadcast failed", "session_id", op.SessionID, "error", err)
	}
}

// UpdatePresence records a participant's cursor and selection.
func (e *Engine) UpdatePresence(ctx context.Context, sessionID string, p models.Presence) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !isParticipant(s.meta, p.ParticipantID) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotParticipant, p.ParticipantID)
	}
	p.LastSeen = time.Now().UTC()
	p.Active = true
	s.presence[p.ParticipantID] = p
	e.mu.Unlock()

	if e.pub != nil {
		if payload, err := json.Marshal(PresenceUpdate{SessionID: sessionID, Presence: p}); err == nil {
			if err := e.pub.Publish(ctx, TopicPresence, payload); err != nil {
				e.log.Debug("presence broadcast failed", "error", err)
			}
		}
	}
	return nil
}

// ApplyRemotePresence records presence received from a peer. Unknown
// sessions are ignored so presence can race session announcements.
func (e *Engine) ApplyRemotePresence(sessionID string, p models.Presence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok || !isParticipant(s.meta, p.ParticipantID) {
		return
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	p.Active = true
	s.presence[p.ParticipantID] = p
}

// Presences lists the session's current participants' presence.
func (e *Engine) Presences(sessionID string) ([]models.Presence, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]models.Presence, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, p)
	}
	return out, nil
}

// StartSweeper runs presence aging and session cleanup until ctx ends.
func (e *Engine) StartSweeper(ctx context.Context) {
	presenceEvery := e.cfg.PresenceSweep
	if presenceEvery <= 0 {
		presenceEvery = 10 * time.Second
	}
	sessionEvery := e.cfg.SessionSweep
	if sessionEvery <= 0 {
		sessionEvery = 5 * time.Minute
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	e.sweepCancel = cancel

	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		presenceTicker := time.NewTicker(presenceEvery)
		sessionTicker := time.NewTicker(sessionEvery)
		defer presenceTicker.Stop()
		defer sessionTicker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-presenceTicker.C:
				e.sweepPresence(time.Now())
			case <-sessionTicker.C:
				e.sweepSessions(time.Now())
			}
		}
	}()
}

func (e *Engine) StopSweeper() {
	if e.sweepCancel != nil {
		e.sweepCancel()
		e.sweepWG.Wait()
		e.sweepCancel = nil
	}
}

// sweepPresence marks silent participants inactive and removes the
// long-gone entirely.
func (e *Engine) sweepPresence(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		for id, p := range s.presence {
			idle := now.Sub(p.LastSeen)
			switch {
			case idle > e.cfg.RemoveAfter:
				delete(s.presence, id)
			case idle > e.cfg.InactiveAfter && p.Active:
				p.Active = false
				s.presence[id] = p
			}
		}
	}
}

// sweepSessions closes idle sessions and purges dead ones.
func (e *Engine) sweepSessions(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.sessions {
		idle := now.Sub(s.meta.LastActivity)
		if idle > e.cfg.SessionPurge {
			delete(e.sessions, id)
			e.log.Info("session purged", "session_id", id)
			continue
		}
		if idle > e.cfg.SessionIdle && s.meta.Active {
			s.meta.Active = false
			e.log.Info("session closed for inactivity", "session_id", id)
		}
	}
}

func isParticipant(meta models.CollaborationSession, id string) bool {
	for _, p := range meta.Participants {
		if p == id {
			return true
		}
	}
	return false
}

func cloneMeta(meta models.CollaborationSession) models.CollaborationSession {
	out := meta
	out.Participants = append([]string(nil), meta.Participants...)
	return out
}
