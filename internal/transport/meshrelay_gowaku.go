//go:build real_waku

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"

	"driftmesh/go-core/internal/config"
)

const (
	meshPubsubTopic  = "/waku/2/default-waku/proto"
	meshContentTopic = "/driftmesh/1/envelope/proto"
)

type goWakuRelay struct {
	mu      sync.RWMutex
	node    *wakuNode.WakuNode
	selfID  string
	handler Handler
}

func newRelayBackend() relayBackend {
	return &goWakuRelay{}
}

func (g *goWakuRelay) Start(ctx context.Context, cfg config.TransportBootstrap, selfID string) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.BootstrapPeers {
		_ = node.DialPeer(ctx, addr)
	}

	g.mu.Lock()
	g.node = node
	g.selfID = selfID
	g.mu.Unlock()
	return nil
}

func (g *goWakuRelay) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuRelay) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuRelay) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuRelay) Subscribe(handler Handler) error {
	g.mu.Lock()
	g.handler = handler
	node := g.node
	g.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	filter := protocol.NewContentFilter(meshPubsubTopic, meshContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var msg Message
				if err := json.Unmarshal(env.Message().Payload, &msg); err != nil {
					continue
				}
				handler(msg)
			}
		}(sub)
	}
	return nil
}

func (g *goWakuRelay) Publish(ctx context.Context, msg Message) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: meshContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(meshPubsubTopic))
	return err
}
