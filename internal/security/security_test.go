package security

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"driftmesh/go-core/internal/config"
	"driftmesh/go-core/internal/identity"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.SecurityConfig{
		SessionTTL:    time.Hour,
		SessionSweep:  time.Minute,
		AuditLogLimit: 8,
	}
	users := map[string]config.UserAccount{
		"alice": {PasswordHash: HashPassword("wonder"), Role: "editor"},
		"bob":   {PasswordHash: HashPassword("builder"), Role: "observer"},
	}
	m, err := NewManager(cfg, config.DefaultRoles(), users, slog.Default())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAuthenticateAndValidate(t *testing.T) {
	m := testManager(t)

	token, session, err := m.Authenticate("alice", "wonder")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.Role != "editor" {
		t.Fatalf("unexpected role %q", session.Role)
	}

	got, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.User != "alice" || got.ID != session.ID {
		t.Fatalf("validated session mismatch: %+v", got)
	}
	if m.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveSessions())
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	m := testManager(t)

	if _, _, err := m.Authenticate("alice", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := m.Authenticate("mallory", "wonder"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	entries := m.AuditLog()
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Event != "auth_failed" {
		t.Fatalf("unexpected audit event %q", entries[0].Event)
	}
}

func TestAuthorizePermissions(t *testing.T) {
	m := testManager(t)

	editorToken, _, err := m.Authenticate("alice", "wonder")
	if err != nil {
		t.Fatalf("authenticate alice: %v", err)
	}
	observerToken, _, err := m.Authenticate("bob", "builder")
	if err != nil {
		t.Fatalf("authenticate bob: %v", err)
	}

	if _, err := m.Authorize(editorToken, "write"); err != nil {
		t.Fatalf("editor should write: %v", err)
	}
	if _, err := m.Authorize(observerToken, "read"); err != nil {
		t.Fatalf("observer should read: %v", err)
	}
	if _, err := m.Authorize(observerToken, "write"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestRevokedSessionFailsValidation(t *testing.T) {
	m := testManager(t)

	token, session, err := m.Authenticate("alice", "wonder")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	m.RevokeSession(session.ID)

	if _, err := m.ValidateToken(token); !errors.Is(err, ErrSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown after revoke, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	m := testManager(t)
	base := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return base }

	token, _, err := m.Authenticate("alice", "wonder")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	base = base.Add(2 * time.Hour)
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrSessionExpired) && !errors.Is(err, ErrSessionUnknown) {
		t.Fatalf("expected expiry error, got %v", err)
	}

	m.sweepExpired()
	if m.ActiveSessions() != 0 {
		t.Fatalf("expected sessions swept, got %d", m.ActiveSessions())
	}
}

func TestAuditLogBounded(t *testing.T) {
	m := testManager(t)

	for i := 0; i < 20; i++ {
		m.recordAudit("probe", "tester", "event")
	}
	entries := m.AuditLog()
	if len(entries) > 8 {
		t.Fatalf("audit log exceeded limit: %d", len(entries))
	}
}

func TestUnknownUserRoleRejected(t *testing.T) {
	users := map[string]config.UserAccount{
		"eve": {PasswordHash: HashPassword("x"), Role: "superuser"},
	}
	_, err := NewManager(config.SecurityConfig{SessionTTL: time.Hour}, config.DefaultRoles(), users, nil)
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func newPeerCodecs(t *testing.T) (*Codec, *Codec, string) {
	t.Helper()
	aliceIDs, err := identity.NewManager()
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	bobIDs, err := identity.NewManager()
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	if err := aliceIDs.AddPeerKey(bobIDs.NodeID(), bobIDs.Identity().SigningPublicKey); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if err := bobIDs.AddPeerKey(aliceIDs.NodeID(), aliceIDs.Identity().SigningPublicKey); err != nil {
		t.Fatalf("register alice: %v", err)
	}

	secret, err := NewChannelSecret()
	if err != nil {
		t.Fatalf("channel secret: %v", err)
	}
	alice := NewCodec(aliceIDs)
	bob := NewCodec(bobIDs)
	alice.RegisterChannel("doc-42", secret)
	bob.RegisterChannel("doc-42", secret)
	return alice, bob, bobIDs.NodeID()
}

func TestEnvelopeRoundtrip(t *testing.T) {
	alice, bob, bobID := newPeerCodecs(t)

	env, err := alice.Seal("doc-42", bobID, []byte("sync batch 7"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plaintext, err := bob.Open("doc-42", env)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("sync batch 7")) {
		t.Fatalf("roundtrip mismatch: %q", plaintext)
	}
}

func TestEnvelopeRejectsTampering(t *testing.T) {
	alice, bob, bobID := newPeerCodecs(t)

	env, err := alice.Seal("doc-42", bobID, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tampered := env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xff
	if _, err := bob.Open("doc-42", tampered); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	misaddressed := env
	misaddressed.RecipientID = "dm1somebodyelse"
	if _, err := bob.Open("doc-42", misaddressed); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected ErrNotRecipient, got %v", err)
	}
}

func TestEnvelopeRejectsUnknownSenderAndChannel(t *testing.T) {
	alice, bob, bobID := newPeerCodecs(t)

	env, err := alice.Seal("doc-42", bobID, []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	stranger, err := identity.NewManager()
	if err != nil {
		t.Fatalf("stranger identity: %v", err)
	}
	forged := env
	forged.SenderID = stranger.NodeID()
	if _, err := bob.Open("doc-42", forged); !errors.Is(err, ErrSenderUnknown) {
		t.Fatalf("expected ErrSenderUnknown, got %v", err)
	}

	if _, err := alice.Seal("doc-99", bobID, []byte("x")); !errors.Is(err, ErrChannelUnknown) {
		t.Fatalf("expected ErrChannelUnknown, got %v", err)
	}
}
