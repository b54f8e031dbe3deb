package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/pkg/models"
)

func testCollabConfig() config.CollabConfig {
	return config.CollabConfig{
		HistoryLimit:  10,
		HistoryTrim:   5,
		InactiveAfter: 30 * time.Second,
		RemoveAfter:   5 * time.Minute,
		SessionIdle:   time.Hour,
		SessionPurge:  24 * time.Hour,
	}
}

func newTestEngine() *Engine {
	return NewEngine(testCollabConfig(), "dm1self", nil, nil)
}

func TestSessionLifecycle(t *testing.T) {
	e := newTestEngine()

	meta := e.OpenSession("doc-1", "hello", []string{"alice"})
	if !meta.Active || meta.DocumentID != "doc-1" {
		t.Fatalf("unexpected session %+v", meta)
	}

	joined, err := e.JoinSession(meta.SessionID, "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("participants = %v", joined.Participants)
	}

	// Joining twice is idempotent.
	again, err := e.JoinSession(meta.SessionID, "bob")
	if err != nil || len(again.Participants) != 2 {
		t.Fatalf("rejoin changed membership: %v %v", err, again.Participants)
	}

	if err := e.CloseSession(meta.SessionID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.JoinSession(meta.SessionID, "carol"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := e.Session("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestInsertAndDelete(t *testing.T) {
	e := newTestEngine()
	meta := e.OpenSession("doc", "hello world", []string{"alice"})
	ctx := context.Background()

	if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
		Type: models.OpInsert, Position: 5, Content: ",", Author: "alice", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	doc, _ := e.Document(meta.SessionID)
	if doc != "hello, world" {
		t.Fatalf("doc = %q", doc)
	}

	if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
		Type: models.OpDelete, Position: 5, Length: 1, Author: "alice", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	doc, _ = e.Document(meta.SessionID)
	if doc != "hello world" {
		t.Fatalf("doc after delete = %q", doc)
	}

	if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
		Type: models.OpInsert, Position: 99, Content: "x", Author: "alice", Timestamp: time.Now(),
	}); !errors.Is(err, ErrBadOperation) {
		t.Fatalf("expected ErrBadOperation, got %v", err)
	}

	if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
		Type: models.OpInsert, Position: 0, Content: "x", Author: "mallory", Timestamp: time.Now(),
	}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

// Concurrent edit: bob's insert arrives carrying a timestamp before
// alice's already-applied insert at an earlier position, so bob's
// position must shift right by alice's content length.
func TestRebaseAgainstConcurrentInsert(t *testing.T) {
	e := newTestEngine()
	meta := e.OpenSession("doc", "abcdef", []string{"alice", "bob"})
	ctx := context.Background()

	base := time.Now()
	if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
		Type: models.OpInsert, Position: 0, Content: "XX", Author: "alice", Timestamp: base,
	}); err != nil {
		t.Fatalf("alice insert: %v", err)
	}

	applied, err := e.ApplyRemoteOperation(meta.SessionID, models.Operation{
		Type: models.OpInsert, Position: 3, Content: "Y", Author: "bob", Timestamp: base,
	})
	if err != nil {
		t.Fatalf("bob insert: %v", err)
	}
	if applied.Position != 5 {
		t.Fatalf("rebased position = %d, want 5", applied.Position)
	}
	doc, _ := e.Document(meta.SessionID)
	if doc != "XXabcYdef" {
		t.Fatalf("doc = %q, want XXabcYdef", doc)
	}
}

func TestRebaseAgainstConcurrentDelete(t *testing.T) {
	e := newTestEngine()
	meta := e.OpenSession("doc", "0123456789", []string{"alice", "bob"})
	ctx := context.Background()

	base := time.Now()
	if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
		Type: models.OpDelete, Position: 2, Length: 3, Author: "alice", Timestamp: base,
	}); err != nil {
		t.Fatalf("alice delete: %v", err)
	}

	applied, err := e.ApplyRemoteOperation(meta.SessionID, models.Operation{
		Type: models.OpInsert, Position: 7, Content: "Z", Author: "bob", Timestamp: base,
	})
	if err != nil {
		t.Fatalf("bob insert: %v", err)
	}
	if applied.Position != 4 {
		t.Fatalf("rebased position = %d, want 4", applied.Position)
	}
	doc, _ := e.Document(meta.SessionID)
	if doc != "0156Z789" {
		t.Fatalf("doc = %q, want 0156Z789", doc)
	}
}

// Two replicas applying the same pair of concurrent operations in
// opposite orders must converge on the same document.
func TestConcurrentEditsConverge(t *testing.T) {
	mkEngine := func() (*Engine, string) {
		e := newTestEngine()
		meta := e.OpenSession("doc", "shared text", []string{"alice", "bob"})
		return e, meta.SessionID
	}
	base := time.Now()
	opAlice := models.Operation{Type: models.OpInsert, Position: 0, Content: "A", Author: "alice", Timestamp: base.Add(-time.Millisecond)}
	opBob := models.Operation{Type: models.OpInsert, Position: 6, Content: "B", Author: "bob", Timestamp: base}

	left, leftID := mkEngine()
	if _, err := left.ApplyRemoteOperation(leftID, opAlice); err != nil {
		t.Fatalf("left alice: %v", err)
	}
	if _, err := left.ApplyRemoteOperation(leftID, opBob); err != nil {
		t.Fatalf("left bob: %v", err)
	}

	right, rightID := mkEngine()
	if n, err := right.ApplyBatch(rightID, []models.Operation{opBob, opAlice}); err != nil || n != 2 {
		t.Fatalf("right batch: n=%d err=%v", n, err)
	}

	leftDoc, _ := left.Document(leftID)
	rightDoc, _ := right.Document(rightID)
	if leftDoc != rightDoc {
		t.Fatalf("replicas diverged: %q vs %q", leftDoc, rightDoc)
	}
}

func TestHistoryBounded(t *testing.T) {
	e := newTestEngine()
	meta := e.OpenSession("doc", "", []string{"alice"})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if _, err := e.ApplyOperation(ctx, meta.SessionID, models.Operation{
			Type: models.OpInsert, Position: 0, Content: "x", Author: "alice", Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
	}

	e.mu.RLock()
	historyLen := len(e.sessions[meta.SessionID].history)
	e.mu.RUnlock()
	if historyLen > 10 {
		t.Fatalf("history grew to %d, limit 10", historyLen)
	}
	doc, _ := e.Document(meta.SessionID)
	if len(doc) != 25 {
		t.Fatalf("document lost edits during trim: %d chars", len(doc))
	}
}

func TestPresenceSweep(t *testing.T) {
	e := newTestEngine()
	meta := e.OpenSession("doc", "", []string{"alice", "bob"})
	ctx := context.Background()

	if err := e.UpdatePresence(ctx, meta.SessionID, models.Presence{ParticipantID: "alice", CursorPosition: 3}); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if err := e.UpdatePresence(ctx, meta.SessionID, models.Presence{ParticipantID: "bob"}); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if err := e.UpdatePresence(ctx, meta.SessionID, models.Presence{ParticipantID: "mallory"}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	// One minute later alice has been silent: inactive but present.
	e.sweepPresence(time.Now().Add(time.Minute))
	presences, err := e.Presences(meta.SessionID)
	if err != nil {
		t.Fatalf("presences: %v", err)
	}
	if len(presences) != 2 {
		t.Fatalf("expected 2 presences, got %d", len(presences))
	}
	for _, p := range presences {
		if p.Active {
			t.Fatalf("%s still active after inactivity window", p.ParticipantID)
		}
	}

	// Ten minutes later both are removed.
	e.sweepPresence(time.Now().Add(10 * time.Minute))
	presences, _ = e.Presences(meta.SessionID)
	if len(presences) != 0 {
		t.Fatalf("expected empty presence, got %d", len(presences))
	}
}

func TestSessionSweep(t *testing.T) {
	e := newTestEngine()
	meta := e.OpenSession("doc", "", []string{"alice"})

	e.sweepSessions(time.Now().Add(2 * time.Hour))
	s, err := e.Session(meta.SessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if s.Active {
		t.Fatalf("idle session still active")
	}

	e.sweepSessions(time.Now().Add(25 * time.Hour))
	if _, err := e.Session(meta.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected purge, got %v", err)
	}
	if e.ActiveSessionCount() != 0 {
		t.Fatalf("active count = %d", e.ActiveSessionCount())
	}
}
