package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"driftmesh/go-core/internal/identity"
	"driftmesh/go-core/pkg/models"
)

var (
	ErrSignatureInvalid = errors.New("envelope signature invalid")
	ErrNotRecipient     = errors.New("envelope is addressed to another node")
	ErrSenderUnknown    = errors.New("envelope sender is not a known peer")
	ErrChannelUnknown   = errors.New("channel secret is not registered")
	ErrDecryptFailed    = errors.New("envelope decryption failed")
)

const channelKeyInfo = "driftmesh/security/channel/v1/"

// Codec seals and opens peer envelopes. Each channel carries a shared
// secret that members exchange out of band when joining; the per-channel
// symmetric key is expanded from it with hkdf so the raw secret never
// touches the wire. Every envelope also carries an ed25519 signature
// over nonce plus ciphertext so tampering is detected before decryption
// is attempted.
type Codec struct {
	ids *identity.Manager

	mu       sync.RWMutex
	channels map[string][]byte
}

func NewCodec(ids *identity.Manager) *Codec {
	return &Codec{
		ids:      ids,
		channels: make(map[string][]byte),
	}
}

// NewChannelSecret mints a fresh shared secret for a channel.
func NewChannelSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func (c *Codec) RegisterChannel(channelID string, secret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = append([]byte(nil), secret...)
}

func (c *Codec) DropChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

func (c *Codec) channelKey(channelID string) ([]byte, error) {
	c.mu.RLock()
	secret, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelUnknown, channelID)
	}
	reader := hkdf.New(sha256.New, secret, nil, []byte(channelKeyInfo+channelID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext for recipientID on the given channel and
// signs the result with this node's key.
func (c *Codec) Seal(channelID, recipientID string, plaintext []byte) (models.SealedEnvelope, error) {
	key, err := c.channelKey(channelID)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return models.SealedEnvelope{}, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(recipientID))

	_, priv := c.ids.SigningKeys()
	signed := make([]byte, 0, len(nonce)+len(ciphertext))
	signed = append(signed, nonce...)
	signed = append(signed, ciphertext...)
	signature := ed25519.Sign(priv, signed)

	return models.SealedEnvelope{
		SenderID:    c.ids.NodeID(),
		RecipientID: recipientID,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
		Signature:   signature,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Open verifies the sender signature against the known-peer registry
// and decrypts the payload. Envelopes addressed to other nodes are
// rejected without decryption; an empty recipient means a channel
// broadcast and is accepted by every channel member.
func (c *Codec) Open(channelID string, env models.SealedEnvelope) ([]byte, error) {
	if env.RecipientID != "" && env.RecipientID != c.ids.NodeID() {
		return nil, ErrNotRecipient
	}

	senderKey, ok := c.ids.PeerKey(env.SenderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSenderUnknown, env.SenderID)
	}
	signed := make([]byte, 0, len(env.Nonce)+len(env.Ciphertext))
	signed = append(signed, env.Nonce...)
	signed = append(signed, env.Ciphertext...)
	if !ed25519.Verify(senderKey, signed, env.Signature) {
		return nil, ErrSignatureInvalid
	}

	key, err := c.channelKey(channelID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.RecipientID))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
