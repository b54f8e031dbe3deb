package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"driftmesh/go-core/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionUnknown     = errors.New("session unknown")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrUnknownRole        = errors.New("unknown role")
)

// Session is an authenticated bearer session.
type Session struct {
	ID          string
	User        string
	Role        string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	LastUsed    time.Time
}

// AuditEntry records a security-relevant event. The log is bounded and
// trims its oldest half when the limit is reached.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
}

type accessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager authenticates users, issues HS256 bearer tokens, enforces the
// role permission table and keeps the bounded audit log.
type Manager struct {
	cfg    config.SecurityConfig
	roles  map[string][]string
	users  map[string]config.UserAccount
	secret []byte
	log    *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	audit    []AuditEntry

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

func NewManager(cfg config.SecurityConfig, roles map[string][]string, users map[string]config.UserAccount, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	secret, err := loadTokenSecret(cfg.TokenSecretPath)
	if err != nil {
		return nil, err
	}
	for name, account := range users {
		if _, ok := roles[account.Role]; !ok {
			return nil, fmt.Errorf("%w: user %q has role %q", ErrUnknownRole, name, account.Role)
		}
	}
	return &Manager{
		cfg:      cfg,
		roles:    roles,
		users:    users,
		secret:   secret,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

func loadTokenSecret(path string) ([]byte, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read token secret: %w", err)
		}
		secret := []byte(strings.TrimSpace(string(raw)))
		if len(secret) < 16 {
			return nil, errors.New("token secret too short")
		}
		return secret, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// HashPassword produces the hex digest stored in config user accounts.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Authenticate checks credentials and opens a session, returning the
// signed bearer token. Failures are indistinguishable between unknown
// user and wrong password.
func (m *Manager) Authenticate(user, password string) (string, *Session, error) {
	account, ok := m.users[user]
	if !ok {
		m.recordAudit("auth_failed", user, "unknown user")
		return "", nil, ErrInvalidCredentials
	}
	given := HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(given), []byte(strings.ToLower(account.PasswordHash))) != 1 {
		m.recordAudit("auth_failed", user, "bad password")
		return "", nil, ErrInvalidCredentials
	}

	now := m.now()
	session := &Session{
		ID:          uuid.NewString(),
		User:        user,
		Role:        account.Role,
		Permissions: append([]string(nil), m.roles[account.Role]...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.cfg.SessionTTL),
		LastUsed:    now,
	}

	claims := accessClaims{
		Role: account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.recordAudit("auth_ok", user, "session "+session.ID)
	m.log.Info("session opened", "user", user, "role", account.Role, "session_id", session.ID)
	return token, session.clone(), nil
}

// ValidateToken verifies the bearer token and refreshes the session's
// last-used time. Tokens for revoked sessions fail even before expiry.
func (m *Manager) ValidateToken(token string) (*Session, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionUnknown, err)
	}
	if !parsed.Valid {
		return nil, ErrSessionUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[claims.ID]
	if !ok {
		return nil, ErrSessionUnknown
	}
	now := m.now()
	if now.After(session.ExpiresAt) {
		delete(m.sessions, claims.ID)
		return nil, ErrSessionExpired
	}
	session.LastUsed = now
	return session.clone(), nil
}

// Authorize validates the token and requires the named permission.
func (m *Manager) Authorize(token, permission string) (*Session, error) {
	session, err := m.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	for _, p := range session.Permissions {
		if p == permission {
			return session, nil
		}
	}
	m.recordAudit("permission_denied", session.User, permission)
	return nil, fmt.Errorf("%w: %s needs %s", ErrPermissionDenied, session.User, permission)
}

func (m *Manager) RevokeSession(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if ok {
		m.recordAudit("session_revoked", session.User, sessionID)
	}
}

func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) recordAudit(event, actor, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, AuditEntry{
		Timestamp: m.now().UTC(),
		Event:     event,
		Actor:     actor,
		Detail:    detail,
	})
	limit := m.cfg.AuditLogLimit
	if limit > 0 && len(m.audit) > limit {
		keep := limit / 2
		trimmed := make([]AuditEntry, keep)
		copy(trimmed, m.audit[len(m.audit)-keep:])
		m.audit = trimmed
	}
}

// AuditLog returns a snapshot of the recorded events, oldest first.
func (m *Manager) AuditLog() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// StartSweeper runs the expired-session sweep until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SessionSweep
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.sweepExpired()
			}
		}
	}()
}

func (m *Manager) StopSweeper() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	m.sweepWG.Wait()
}

func (m *Manager) sweepExpired() {
	now := m.now()
	m.mu.Lock()
	var expired []string
	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	if len(expired) > 0 {
		m.log.Debug("expired sessions swept", "count", len(expired))
	}
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Permissions = append([]string(nil), s.Permissions...)
	return &cp
}
