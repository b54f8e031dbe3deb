package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidPeerID      = errors.New("invalid peer id")
	ErrPeerKeyMismatch    = errors.New("peer public key mismatch")
	ErrUnknownPeer        = errors.New("peer public key is not known")
	ErrInvalidPeerKeySize = errors.New("invalid peer public key size")
)

// KnownPeer is a remote node whose signing key this node trusts.
type KnownPeer struct {
	ID        string
	PublicKey []byte
	AddedAt   time.Time
}

// Manager owns the node identity and the registry of known peer keys.
// The security manager verifies inbound envelope signatures against
// this registry.
type Manager struct {
	mu       sync.RWMutex
	identity NodeIdentity
	selfPriv ed25519.PrivateKey
	channel  []byte
	peers    map[string]KnownPeer
	seeds    *SeedManager
}

// NewManager creates a manager with a fresh ephemeral identity. Nodes
// that need a recoverable identity call CreateIdentity or ImportIdentity
// afterwards.
func NewManager() (*Manager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	id, err := BuildNodeID(pub)
	if err != nil {
		return nil, err
	}
	channel := make([]byte, 32)
	if _, err := rand.Read(channel); err != nil {
		return nil, err
	}
	return &Manager{
		identity: NodeIdentity{
			ID:               id,
			SigningPublicKey: append([]byte(nil), pub...),
			CreatedAt:        time.Now().UTC(),
		},
		selfPriv: append(ed25519.PrivateKey(nil), priv...),
		channel:  channel,
		peers:    make(map[string]KnownPeer),
		seeds:    NewSeedManager(),
	}, nil
}

// CreateIdentity mints a new seed-backed identity and returns the
// mnemonic the operator must store for recovery.
func (m *Manager) CreateIdentity(password string) (NodeIdentity, string, error) {
	mnemonic, keys, err := m.seeds.Create(password)
	if err != nil {
		return NodeIdentity{}, "", err
	}
	if err := m.adoptKeys(keys); err != nil {
		return NodeIdentity{}, "", err
	}
	return m.Identity(), mnemonic, nil
}

func (m *Manager) ImportIdentity(mnemonic, password string) (NodeIdentity, error) {
	_, keys, err := m.seeds.Import(mnemonic, password)
	if err != nil {
		return NodeIdentity{}, err
	}
	if err := m.adoptKeys(keys); err != nil {
		return NodeIdentity{}, err
	}
	return m.Identity(), nil
}

func (m *Manager) ExportSeed(password string) (string, error) {
	return m.seeds.Export(password)
}

// SeedEnvelopeJSON serializes the armored seed for persistence.
func (m *Manager) SeedEnvelopeJSON() ([]byte, error) {
	env := m.seeds.Envelope()
	if env == nil {
		return nil, ErrSeedNotAvailable
	}
	return json.Marshal(env)
}

// RestoreSeed decrypts a persisted seed envelope and adopts the
// identity it derives. Failed passwords feed the lockout backoff.
func (m *Manager) RestoreSeed(raw []byte, password string) (NodeIdentity, error) {
	var env EncryptedSeedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return NodeIdentity{}, fmt.Errorf("%w: %v", ErrIdentityInit, err)
	}
	plaintext, err := env.Open([]byte(password))
	if err != nil {
		return NodeIdentity{}, ErrInvalidPassword
	}
	return m.ImportIdentity(string(plaintext), password)
}

func (m *Manager) adoptKeys(keys *DerivedKeys) error {
	id, pub, err := FromKeys(keys)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = NodeIdentity{
		ID:               id,
		SigningPublicKey: append([]byte(nil), pub...),
		CreatedAt:        time.Now().UTC(),
	}
	m.selfPriv = append(ed25519.PrivateKey(nil), keys.SigningPrivateKey...)
	m.channel = append([]byte(nil), keys.ChannelSeed...)
	return nil
}

func (m *Manager) Identity() NodeIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return NodeIdentity{
		ID:               m.identity.ID,
		SigningPublicKey: append([]byte(nil), m.identity.SigningPublicKey...),
		CreatedAt:        m.identity.CreatedAt,
	}
}

func (m *Manager) NodeID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.ID
}

// SigningKeys returns copies of the keypair for the security manager.
func (m *Manager) SigningKeys() (ed25519.PublicKey, ed25519.PrivateKey) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(ed25519.PublicKey(nil), m.identity.SigningPublicKey...),
		append(ed25519.PrivateKey(nil), m.selfPriv...)
}

// ChannelSeed returns the root seed for per-channel symmetric keys.
func (m *Manager) ChannelSeed() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.channel...)
}

// AddPeerKey registers a peer's signing key. Re-registering the same id
// with a different key is rejected; key rotation requires an explicit
// RemovePeer first.
func (m *Manager) AddPeerKey(peerID string, publicKey []byte) error {
	peerID = strings.TrimSpace(peerID)
	if !strings.HasPrefix(peerID, NodeIDPrefix) || len(peerID) < 12 {
		return ErrInvalidPeerID
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPeerKeySize
	}
	if ok, err := VerifyNodeID(peerID, publicKey); err != nil || !ok {
		if err != nil {
			return err
		}
		return ErrPeerKeyMismatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[peerID]; ok && !bytes.Equal(existing.PublicKey, publicKey) {
		return ErrPeerKeyMismatch
	}
	m.peers[peerID] = KnownPeer{
		ID:        peerID,
		PublicKey: append([]byte(nil), publicKey...),
		AddedAt:   time.Now(),
	}
	return nil
}

func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

func (m *Manager) PeerKey(peerID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, ok := m.peers[peerID]
	if !ok || len(peer.PublicKey) != ed25519.PublicKeySize {
		return nil, false
	}
	return append([]byte(nil), peer.PublicKey...), true
}

func (m *Manager) KnownPeers() []KnownPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KnownPeer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}
