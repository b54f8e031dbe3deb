package fallback

import (
	"context"
	"sync"
	"testing"
	"time"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/internal/transport"
	"driftmesh/go-core/pkg/models"
)

// fakeTransport lets tests dial health samples directly.
type fakeTransport struct {
	kind models.TransportKind

	mu       sync.Mutex
	health   models.TransportHealth
	peers    []models.PeerDescriptor
	started  bool
	startErr error
	sendErr  error
	sent     []transport.Message
}

func newFakeTransport(kind models.TransportKind) *fakeTransport {
	return &fakeTransport{
		kind: kind,
		health: models.TransportHealth{
			Transport:   kind,
			Status:      models.HealthAvailable,
			LatencyMs:   50,
			Reliability: 99,
			Bandwidth:   10,
		},
		peers: []models.PeerDescriptor{{ID: "dm1peer1"}, {ID: "dm1peer2"}},
	}
}

func (f *fakeTransport) Kind() models.TransportKind { return f.kind }

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeTransport) Send(_ context.Context, msg transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Broadcast(ctx context.Context, msg transport.Message) error {
	return f.Send(ctx, msg)
}

func (f *fakeTransport) Peers() []models.PeerDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PeerDescriptor(nil), f.peers...)
}

func (f *fakeTransport) Health() models.TransportHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health
	h.LastCheck = time.Now()
	return h
}

func (f *fakeTransport) SetHandler(transport.Handler) {}

func (f *fakeTransport) setHealth(h models.TransportHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.Transport = f.kind
	f.health = h
}

func testConfig() config.FallbackConfig {
	return config.FallbackConfig{
		HealthInterval:   20 * time.Millisecond,
		RecoveryInterval: 30 * time.Millisecond,
		RecoveryMargin:   20,
		Rules:            config.DefaultRules(),
	}
}

func fullStack() (*Coordinator, map[models.TransportKind]*fakeTransport) {
	c := NewCoordinator(testConfig(), nil)
	fakes := make(map[models.TransportKind]*fakeTransport)
	for _, kind := range models.PreferenceChain() {
		f := newFakeTransport(kind)
		fakes[kind] = f
		c.RegisterTransport(f)
	}
	fakes[models.TransportOffline].peers = nil
	return c, fakes
}

func waitForActive(t *testing.T, c *Coordinator, want models.TransportKind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Active() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("active transport never became %s, still %s", want, c.Active())
}

func TestStartPicksMostPreferred(t *testing.T) {
	c, _ := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	if c.Active() != models.TransportMesh {
		t.Fatalf("expected mesh active, got %s", c.Active())
	}
	if len(c.HealthSnapshot()) != 4 {
		t.Fatalf("expected 4 health samples, got %d", len(c.HealthSnapshot()))
	}
}

func TestLatencyRuleTriggersSwitchover(t *testing.T) {
	c, fakes := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	events := c.Subscribe()

	// Mesh latency above the 500ms rule threshold must move traffic to
	// local within one health interval.
	fakes[models.TransportMesh].setHealth(models.TransportHealth{
		Status: models.HealthAvailable, LatencyMs: 800, Reliability: 95, Bandwidth: 10,
	})
	waitForActive(t, c, models.TransportLocal)

	select {
	case ev := <-events:
		if ev.From != models.TransportMesh || ev.To != models.TransportLocal {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no switch event published")
	}
}

func TestReliabilityDropSwitchesWithinOneInterval(t *testing.T) {
	c, fakes := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	fakes[models.TransportMesh].setHealth(models.TransportHealth{
		Status: models.HealthDegraded, LatencyMs: 100, Reliability: 40, Bandwidth: 10,
	})
	waitForActive(t, c, models.TransportLocal)
	if c.SwitchCount() != 1 {
		t.Fatalf("expected exactly one switch, got %d", c.SwitchCount())
	}
}

func TestEmergencyWalkReachesOffline(t *testing.T) {
	c, fakes := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	// Everything but offline goes dark at once.
	down := models.TransportHealth{Status: models.HealthUnavailable}
	fakes[models.TransportMesh].setHealth(down)
	fakes[models.TransportLocal].setHealth(down)
	fakes[models.TransportProximity].setHealth(down)

	waitForActive(t, c, models.TransportOffline)
}

func TestRecoveryNeedsMargin(t *testing.T) {
	c, fakes := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	fakes[models.TransportMesh].setHealth(models.TransportHealth{Status: models.HealthUnavailable})
	waitForActive(t, c, models.TransportLocal)

	// Mesh comes back barely on par with local: no flap.
	local := fakes[models.TransportLocal].Health()
	fakes[models.TransportMesh].setHealth(models.TransportHealth{
		Status: models.HealthAvailable, LatencyMs: local.LatencyMs, Reliability: local.Reliability, Bandwidth: local.Bandwidth,
	})
	time.Sleep(150 * time.Millisecond)
	if c.Active() != models.TransportLocal {
		t.Fatalf("recovered without clearing the margin")
	}

	// Mesh now clearly outscores local; recovery should switch back.
	fakes[models.TransportLocal].setHealth(models.TransportHealth{
		Status: models.HealthDegraded, LatencyMs: 900, Reliability: 60, Bandwidth: 1,
	})
	fakes[models.TransportMesh].setHealth(models.TransportHealth{
		Status: models.HealthAvailable, LatencyMs: 10, Reliability: 100, Bandwidth: 50,
	})
	waitForActive(t, c, models.TransportMesh)
}

func TestPartitionDetection(t *testing.T) {
	c, fakes := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	for _, kind := range []models.TransportKind{models.TransportMesh, models.TransportLocal, models.TransportProximity} {
		fakes[kind].mu.Lock()
		fakes[kind].peers = nil
		fakes[kind].mu.Unlock()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Partitioned() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("partition never detected")
}

func TestSendRetriesAfterSwitch(t *testing.T) {
	c, fakes := fullStack()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(ctx)

	fakes[models.TransportMesh].mu.Lock()
	fakes[models.TransportMesh].sendErr = transport.ErrLinkDown
	fakes[models.TransportMesh].mu.Unlock()
	fakes[models.TransportMesh].setHealth(models.TransportHealth{Status: models.HealthUnavailable})

	if err := c.Send(ctx, transport.Message{RecipientID: "dm1peer1", Payload: []byte("x")}); err != nil {
		t.Fatalf("send should succeed after failover: %v", err)
	}
	if c.Active() == models.TransportMesh {
		t.Fatalf("active transport did not move off the failing mesh")
	}

	local := fakes[models.TransportLocal]
	local.mu.Lock()
	sent := len(local.sent)
	local.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected retried message on local, got %d", sent)
	}
}
