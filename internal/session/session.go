package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrMissingCredential indicates an empty bearer token.
	ErrMissingCredential = errors.New("session: credential required")
	// ErrMalformedCredential indicates the bearer token could not be parsed.
	ErrMalformedCredential = errors.New("session: malformed credential")

	noOpLogger = zap.NewNop()
)

// Claims mirrors the identity payload carried inside the bearer credential.
// The client holds no signing secret; claims are read unverified purely for
// identity display and expiry. Verification is the server's job on every
// request.
type Claims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	jwt.RegisteredClaims
}

// User is the identity the sync engine gates mutations on.
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// ManagerConfig describes the session manager dependencies.
type ManagerConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager owns the bearer credential and exposes the current user. An
// expired or cleared credential yields no user, which disables new mutations
// while in-flight operations resolve normally.
type Manager struct {
	mu      sync.RWMutex
	token   string
	user    *User
	expires time.Time
	active  bool
	clock   func() time.Time
	logger  *zap.Logger
}

// NewManager constructs a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{clock: clock, logger: logger}
}

// SetCredential installs a bearer token, reading identity and expiry from its
// claims without verifying the signature.
func (m *Manager) SetCredential(token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ErrMissingCredential
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmed, claims); err != nil {
		return ErrMalformedCredential
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return ErrMalformedCredential
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}

	m.mu.Lock()
	m.token = trimmed
	m.user = &User{
		ID:          userID,
		Email:       claims.UserEmail,
		DisplayName: claims.UserDisplayName,
	}
	m.expires = expires
	m.mu.Unlock()
	return nil
}

// CurrentUser returns the authenticated user, or nil when the session is
// cleared or the credential has expired.
func (m *Manager) CurrentUser() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	if !m.expires.IsZero() && !m.clock().Before(m.expires) {
		return nil
	}
	user := *m.user
	return &user
}

// Token returns the raw bearer credential for outbound requests. An empty
// string disables the Authorization header; read-only reconciliation still
// works without one.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Clear drops the credential and current user.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.token = ""
	m.user = nil
	m.expires = time.Time{}
	m.mu.Unlock()
}

// MarkActive records user activity since the last check.
func (m *Manager) MarkActive() {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
}

// CheckActivity reports whether any activity was marked since the previous
// check and re-arms the flag.
func (m *Manager) CheckActivity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.active
	m.active = false
	return active
}

// GuardConfig describes the idle guard dependencies.
type GuardConfig struct {
	Manager  *Manager
	Interval time.Duration
	Logger   *zap.Logger
}

// Guard clears the session after a full interval with no recorded activity.
// It never cancels in-flight operations; the engine's user gate simply stops
// admitting new mutations once the session is cleared.
type Guard struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

// NewGuard constructs an idle guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Manager == nil {
		return nil, errors.New("session: manager is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 59 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Guard{manager: cfg.Manager, interval: interval, logger: logger}, nil
}

// Run ticks until ctx is done, clearing the session whenever an interval
// passes without activity.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.manager.CheckActivity() {
				continue
			}
			if g.manager.CurrentUser() == nil {
				continue
			}
			g.logger.Info("session cleared after idle interval")
			g.manager.Clear()
		}
	}
}
