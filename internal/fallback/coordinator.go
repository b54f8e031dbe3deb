package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/internal/transport"
	"driftmesh/go-core/pkg/models"
)

var (
	ErrNoTransport      = errors.New("no transport registered")
	ErrSwitchInProgress = errors.New("switchover already in progress")
)

// SwitchEvent is published on every transport change.
type SwitchEvent struct {
	From      models.TransportKind
	To        models.TransportKind
	Reason    string
	Emergency bool
	At        time.Time
}

const switchEventBuffer = 16

// Coordinator owns the active-transport decision. All registered
// transports keep running so their health stays observable; the
// coordinator only moves the "active" pointer, evaluating the rule
// table on every health pass and probing for recovery on a slower
// cadence.
type Coordinator struct {
	cfg config.FallbackConfig
	log *slog.Logger

	mu         sync.RWMutex
	transports map[models.TransportKind]transport.Transport
	health     map[models.TransportKind]models.TransportHealth
	active     models.TransportKind
	switching  bool
	switches   int
	partition  bool
	subs       []chan SwitchEvent

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

func NewCoordinator(cfg config.FallbackConfig, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		log:        log.With("component", "fallback"),
		transports: make(map[models.TransportKind]transport.Transport),
		health:     make(map[models.TransportKind]models.TransportHealth),
	}
}

func (c *Coordinator) RegisterTransport(t transport.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[t.Kind()] = t
}

// Start brings up every registered transport, picks the most preferred
// one that started as active, and launches the health and recovery
// loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.RLock()
	count := len(c.transports)
	c.mu.RUnlock()
	if count == 0 {
		return ErrNoTransport
	}

	var first models.TransportKind
	for _, kind := range models.PreferenceChain() {
		c.mu.RLock()
		t, ok := c.transports[kind]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		if err := t.Start(ctx); err != nil {
			c.log.Warn("transport failed to start", "transport", kind, "error", err)
			continue
		}
		if first == "" {
			first = kind
		}
	}
	if first == "" {
		return fmt.Errorf("%w: nothing started", ErrNoTransport)
	}

	c.mu.Lock()
	c.active = first
	c.mu.Unlock()
	c.log.Info("fallback coordinator started", "active", first)

	c.refreshHealth()
	c.startLoops()
	return nil
}

func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopLoops()

	c.mu.RLock()
	transports := make([]transport.Transport, 0, len(c.transports))
	for _, t := range c.transports {
		transports = append(transports, t)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, t := range transports {
		if err := t.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.mu.Lock()
	for _, sub := range c.subs {
		close(sub)
	}
	c.subs = nil
	c.mu.Unlock()
	return firstErr
}

func (c *Coordinator) Active() models.TransportKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ActiveTransport returns the transport currently carrying traffic.
func (c *Coordinator) ActiveTransport() (transport.Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transports[c.active]
	if !ok {
		return nil, ErrNoTransport
	}
	return t, nil
}

func (c *Coordinator) HealthSnapshot() map[models.TransportKind]models.TransportHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.TransportKind]models.TransportHealth, len(c.health))
	for k, v := range c.health {
		out[k] = v
	}
	return out
}

func (c *Coordinator) SwitchCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.switches
}

func (c *Coordinator) Partitioned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partition
}

// Subscribe returns a channel of switch events. Slow consumers lose
// events rather than blocking the coordinator.
func (c *Coordinator) Subscribe() <-chan SwitchEvent {
	ch := make(chan SwitchEvent, switchEventBuffer)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Send routes through the active transport. If the send fails the
// coordinator reevaluates immediately and retries once on whatever
// became active.
func (c *Coordinator) Send(ctx context.Context, msg transport.Message) error {
	active, err := c.ActiveTransport()
	if err != nil {
		return err
	}
	if err := active.Send(ctx, msg); err == nil {
		return nil
	} else {
		c.log.Warn("send failed on active transport", "transport", active.Kind(), "error", err)
	}

	c.refreshHealth()
	retry, err := c.ActiveTransport()
	if err != nil {
		return err
	}
	if retry.Kind() == active.Kind() {
		// Nothing better was found; force the emergency walk and retry
		// on its result.
		c.emergencyWalk("send failure")
		retry, err = c.ActiveTransport()
		if err != nil {
			return err
		}
	}
	return retry.Send(ctx, msg)
}

func (c *Coordinator) Broadcast(ctx context.Context, msg transport.Message) error {
	active, err := c.ActiveTransport()
	if err != nil {
		return err
	}
	return active.Broadcast(ctx, msg)
}

func (c *Coordinator) startLoops() {
	healthEvery := c.cfg.HealthInterval
	if healthEvery <= 0 {
		healthEvery = 5 * time.Second
	}
	recoveryEvery := c.cfg.RecoveryInterval
	if recoveryEvery <= 0 {
		recoveryEvery = 30 * time.Second
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel

	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		ticker := time.NewTicker(healthEvery)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.refreshHealth()
			}
		}
	}()

	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		ticker := time.NewTicker(recoveryEvery)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.tryRecovery()
			}
		}
	}()
}

func (c *Coordinator) stopLoops() {
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopWG.Wait()
		c.loopCancel = nil
	}
}

// refreshHealth samples every transport, checks for network partition
// and runs the rule table against the active transport.
func (c *Coordinator) refreshHealth() {
	c.mu.RLock()
	transports := make(map[models.TransportKind]transport.Transport, len(c.transports))
	for k, t := range c.transports {
		transports[k] = t
	}
	c.mu.RUnlock()

	samples := make(map[models.TransportKind]models.TransportHealth, len(transports))
	reachable := 0
	for kind, t := range transports {
		h := t.Health()
		samples[kind] = h
		if kind != models.TransportOffline {
			reachable += len(t.Peers())
		}
	}

	partitioned := reachable <= 1

	c.mu.Lock()
	c.health = samples
	wasPartitioned := c.partition
	c.partition = partitioned
	active := c.active
	c.mu.Unlock()

	if partitioned && !wasPartitioned {
		c.log.Warn("network partition suspected", "reachable_peers", reachable)
		// Switch only if some other transport actually sees peers;
		// otherwise a switch changes nothing.
		for _, kind := range models.PreferenceChain() {
			if kind == active || kind == models.TransportOffline {
				continue
			}
			t, ok := transports[kind]
			if !ok || len(t.Peers()) == 0 {
				continue
			}
			if c.switchTo(kind, "network partition", true) {
				return
			}
		}
	}

	c.evaluateRules(active, samples)
}

func (c *Coordinator) evaluateRules(active models.TransportKind, samples map[models.TransportKind]models.TransportHealth) {
	h, ok := samples[active]
	if !ok {
		return
	}
	for _, rule := range c.cfg.Rules {
		if rule.Disabled || rule.From != active {
			continue
		}
		if !ruleTriggered(rule, h) {
			continue
		}
		reason := fmt.Sprintf("%s on %s", rule.Condition, rule.From)
		if c.switchTo(rule.To, reason, false) {
			return
		}
		// Preferred target would not take traffic; walk the chain.
		c.emergencyWalk(reason)
		return
	}
	if h.Status == models.HealthUnavailable {
		c.emergencyWalk("active transport unavailable")
	}
}

func ruleTriggered(rule config.FallbackRule, h models.TransportHealth) bool {
	switch rule.Condition {
	case config.CondLatencyHigh:
		return h.Status != models.HealthUnavailable && h.LatencyMs > rule.Threshold
	case config.CondConnectionLost:
		return h.Status == models.HealthUnavailable
	case config.CondReliabilityLow:
		return h.Status != models.HealthUnavailable && h.Reliability < rule.Threshold
	}
	return false
}

// switchTo moves the active pointer if the target is usable. Returns
// false when the target is missing or unavailable.
func (c *Coordinator) switchTo(target models.TransportKind, reason string, emergency bool) bool {
	c.mu.Lock()
	if c.switching {
		c.mu.Unlock()
		return false
	}
	if c.active == target {
		c.mu.Unlock()
		return true
	}
	t, ok := c.transports[target]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if h, sampled := c.health[target]; sampled && h.Status == models.HealthUnavailable && target != models.TransportOffline {
		c.mu.Unlock()
		return false
	}
	c.switching = true
	from := c.active
	c.mu.Unlock()

	// The target keeps running between switches; make sure it is up in
	// case an earlier stop or failed start left it down.
	if err := t.Start(context.Background()); err != nil {
		c.log.Error("switchover target failed to start", "transport", target, "error", err)
		c.mu.Lock()
		c.switching = false
		c.mu.Unlock()
		return false
	}

	event := SwitchEvent{From: from, To: target, Reason: reason, Emergency: emergency, At: time.Now()}

	c.mu.Lock()
	c.active = target
	c.switches++
	c.switching = false
	subs := append([]chan SwitchEvent(nil), c.subs...)
	c.mu.Unlock()

	c.log.Info("transport switchover", "from", from, "to", target, "reason", reason, "emergency", emergency)
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
		}
	}
	return true
}

// emergencyWalk drops down the preference chain from the active
// transport to the first usable one, ending at offline which always
// accepts traffic.
func (c *Coordinator) emergencyWalk(reason string) {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()

	chain := models.PreferenceChain()
	start := 0
	for i, kind := range chain {
		if kind == active {
			start = i + 1
			break
		}
	}
	for _, kind := range chain[start:] {
		c.mu.RLock()
		_, ok := c.transports[kind]
		c.mu.RUnlock()
		if !ok {
			continue
		}
		if c.switchTo(kind, reason, true) {
			return
		}
	}
}

// tryRecovery probes whether a more preferred transport now outscores
// the active one by the recovery margin, and switches back if so.
func (c *Coordinator) tryRecovery() {
	c.mu.RLock()
	active := c.active
	activeHealth := c.health[active]
	samples := make(map[models.TransportKind]models.TransportHealth, len(c.health))
	for k, v := range c.health {
		samples[k] = v
	}
	c.mu.RUnlock()

	margin := c.cfg.RecoveryMargin
	if margin <= 0 {
		margin = 20
	}

	for _, kind := range models.PreferenceChain() {
		if kind == active {
			return
		}
		h, ok := samples[kind]
		if !ok || h.Status == models.HealthUnavailable {
			continue
		}
		if h.Score() >= activeHealth.Score()+margin {
			c.switchTo(kind, fmt.Sprintf("recovered, score %.1f over %.1f", h.Score(), activeHealth.Score()), false)
			return
		}
	}
}
