package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/internal/transport"
	"driftmesh/go-core/pkg/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Transports.Mesh.AnnounceEvery = 20 * time.Millisecond
	cfg.Transports.Local.AnnounceEvery = 20 * time.Millisecond
	cfg.Transports.Proximity.AnnounceEvery = 20 * time.Millisecond
	cfg.Fallback.HealthInterval = 20 * time.Millisecond
	cfg.Fallback.RecoveryInterval = 50 * time.Millisecond
	cfg.Sync.AntiEntropyInterval = 100 * time.Millisecond
	cfg.Chunks.ReplicationFactor = 1
	cfg.Chunks.RetrieveTimeout = 3 * time.Second
	cfg.Users = map[string]config.UserAccount{}
	return cfg
}

func newTestCore(t *testing.T, fabric *transport.Fabric) *Core {
	t.Helper()
	core, err := NewCore(testConfig(t), nil, WithFabric(fabric))
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	return core
}

// pairCores cross-registers signing keys and puts both nodes on one
// shared channel secret.
func pairCores(t *testing.T, a, b *Core) {
	t.Helper()
	if err := a.TrustPeer(b.NodeID(), b.Identity().SigningPublicKey); err != nil {
		t.Fatalf("trust b: %v", err)
	}
	if err := b.TrustPeer(a.NodeID(), a.Identity().SigningPublicKey); err != nil {
		t.Fatalf("trust a: %v", err)
	}
	secret := bytes.Repeat([]byte{7}, 32)
	a.JoinChannel("driftmesh/test", secret)
	b.JoinChannel("driftmesh/test", secret)
}

func startCore(t *testing.T, c *Core) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartStopLifecycle(t *testing.T) {
	core := newTestCore(t, transport.NewFabric())
	startCore(t, core)

	if err := core.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}
	report := core.Status()
	if report.NodeID != core.NodeID() {
		t.Fatalf("status node id = %q, want %q", report.NodeID, core.NodeID())
	}
	if report.ActiveTransport != models.TransportMesh {
		t.Fatalf("active transport = %s, want mesh", report.ActiveTransport)
	}
}

func TestPutItemBeforeStartFails(t *testing.T) {
	core := newTestCore(t, transport.NewFabric())
	if _, err := core.PutItem("x", "text", []byte("v")); err != ErrNotStarted {
		t.Fatalf("put before start = %v, want ErrNotStarted", err)
	}
	// NewCore opened the bolt store; release it.
	_ = core.Close()
}

func TestItemPropagatesBetweenNodes(t *testing.T) {
	fabric := transport.NewFabric()
	a := newTestCore(t, fabric)
	b := newTestCore(t, fabric)
	pairCores(t, a, b)
	startCore(t, a)
	startCore(t, b)

	if _, err := a.PutItem("notes", "text", []byte("hello from a")); err != nil {
		t.Fatalf("put item: %v", err)
	}

	waitFor(t, 5*time.Second, "item replication", func() bool {
		item, ok := b.GetItem("notes")
		return ok && string(item.Payload) == "hello from a"
	})
}

func TestAntiEntropyBackfillsMissedItems(t *testing.T) {
	fabric := transport.NewFabric()
	a := newTestCore(t, fabric)
	b := newTestCore(t, fabric)
	pairCores(t, a, b)

	// a writes while b is not yet online, so the eager push misses b.
	startCore(t, a)
	if _, err := a.PutItem("doc", "text", []byte("early write")); err != nil {
		t.Fatalf("put item: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	startCore(t, b)
	waitFor(t, 5*time.Second, "anti-entropy backfill", func() bool {
		item, ok := b.GetItem("doc")
		return ok && string(item.Payload) == "early write"
	})
}

func TestObjectStoreAndRemoteFetch(t *testing.T) {
	fabric := transport.NewFabric()
	a := newTestCore(t, fabric)
	b := newTestCore(t, fabric)
	pairCores(t, a, b)
	startCore(t, a)
	startCore(t, b)

	// Wait until a can see b so replication has a target.
	waitFor(t, 5*time.Second, "peer discovery", func() bool {
		return a.Status().PeerCount > 0
	})

	payload := bytes.Repeat([]byte("driftmesh"), 20000)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manifest, err := a.StoreObject(ctx, "release.tar", payload)
	if err != nil {
		t.Fatalf("store object: %v", err)
	}
	if len(manifest.ChunkIDs) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(manifest.ChunkIDs))
	}

	// b learns the manifest from the announce, then pulls whatever
	// chunks replication did not already push to it.
	waitFor(t, 5*time.Second, "manifest announce", func() bool {
		_, ok := b.ObjectManifest("release.tar")
		return ok
	})
	got, err := b.FetchObject(ctx, "release.tar")
	if err != nil {
		t.Fatalf("fetch object: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("fetched payload differs: %d bytes vs %d", len(got), len(payload))
	}
}

func TestCollaborationAcrossNodes(t *testing.T) {
	fabric := transport.NewFabric()
	a := newTestCore(t, fabric)
	b := newTestCore(t, fabric)
	pairCores(t, a, b)
	startCore(t, a)
	startCore(t, b)

	ctx := context.Background()
	meta, err := a.OpenSession(ctx, "notes.md", "hello", []string{a.NodeID(), b.NodeID()})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	waitFor(t, 5*time.Second, "session adoption", func() bool {
		_, err := b.DocumentText(meta.SessionID)
		return err == nil
	})

	op := models.Operation{
		Type:      models.OpInsert,
		Position:  5,
		Content:   " world",
		Author:    a.NodeID(),
		SessionID: meta.SessionID,
		Timestamp: time.Now().UTC(),
	}
	if _, err := a.EditDocument(ctx, meta.SessionID, op); err != nil {
		t.Fatalf("edit document: %v", err)
	}

	waitFor(t, 5*time.Second, "operation replication", func() bool {
		text, err := b.DocumentText(meta.SessionID)
		return err == nil && text == "hello world"
	})

	if err := a.UpdatePresence(ctx, meta.SessionID, models.Presence{
		ParticipantID:  a.NodeID(),
		CursorPosition: 11,
	}); err != nil {
		t.Fatalf("update presence: %v", err)
	}
	waitFor(t, 5*time.Second, "presence replication", func() bool {
		list, err := b.Presences(meta.SessionID)
		if err != nil {
			return false
		}
		for _, p := range list {
			if p.ParticipantID == a.NodeID() && p.CursorPosition == 11 {
				return true
			}
		}
		return false
	})
}

func TestIdentityPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	core, err := NewCore(cfg, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	created, mnemonic, err := core.CreateIdentity("correct horse")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if mnemonic == "" {
		t.Fatal("expected a recovery mnemonic")
	}
	if err := core.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	again, err := NewCore(cfg, nil)
	if err != nil {
		t.Fatalf("reopen core: %v", err)
	}
	defer again.Close()
	if !again.HasStoredIdentity() {
		t.Fatal("expected stored identity after restart")
	}
	restored, err := again.Unlock("correct horse")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if restored.ID != created.ID {
		t.Fatalf("restored id %q, want %q", restored.ID, created.ID)
	}
	if _, err := again.Unlock("wrong password"); err == nil {
		t.Fatal("expected wrong password to fail")
	}
}

func TestCloseReleasesStateStoreLock(t *testing.T) {
	cfg := testConfig(t)
	core, err := NewCore(cfg, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}

	// bolt's exclusive lock makes a second writer fail fast instead of
	// blocking behind the first.
	if second, err := NewCore(cfg, nil); err == nil {
		_ = second.Close()
		t.Fatal("expected second open to fail while the store is locked")
	}
	if _, err := NewCore(cfg, nil, WithReadOnlyStore()); err == nil {
		t.Fatal("expected read-only open to fail while the writer holds the lock")
	}

	if err := core.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ro, err := NewCore(cfg, nil, WithReadOnlyStore())
	if err != nil {
		t.Fatalf("read-only open after close: %v", err)
	}
	defer ro.Close()
	if ro.HasStoredIdentity() {
		t.Fatal("no identity was ever stored")
	}
}

func TestEventHubReplayAndFanout(t *testing.T) {
	hub := NewEventHub(3)
	hub.Publish(EventPeerConnected, "p1")
	hub.Publish(EventDataSynced, "d1")

	replay, ch, cancel := hub.Subscribe(1)
	defer cancel()
	if len(replay) != 1 || replay[0].Kind != EventDataSynced {
		t.Fatalf("unexpected replay: %+v", replay)
	}

	hub.Publish(EventConflictDetected, "c1")
	select {
	case ev := <-ch:
		if ev.Kind != EventConflictDetected {
			t.Fatalf("unexpected live event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no live event delivered")
	}

	// History is bounded.
	for i := 0; i < 10; i++ {
		hub.Publish(EventDataSynced, i)
	}
	if got := hub.BacklogSize(); got != 3 {
		t.Fatalf("backlog = %d, want 3", got)
	}
}
