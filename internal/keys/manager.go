// Package keys owns the HMAC secret used to sign payment tokens.
//
// Exactly one secret is active at a time. Rotation retires the previous secret
// to verify-only for a grace period equal to the validator's freshness window,
// so tokens already handed out keep working until they would have gone stale
// anyway.
package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// SecretSize is the length in bytes of a generated secret.
const SecretSize = 32

// DefaultGrace is how long a rotated-out secret still verifies.
const DefaultGrace = time.Hour

var (
	// ErrKeyUnavailable means no secret is loaded; nothing can be signed or verified.
	ErrKeyUnavailable = errors.New("signing key unavailable")
	ErrBadSignature   = errors.New("signature mismatch")
	// ErrSharedSecret means the active secret came from Load and is not
	// owned by this process.
	ErrSharedSecret = errors.New("active secret is shared; rotate it where it is distributed")
)

type retiredKey struct {
	secret    []byte
	retiredAt time.Time
}

// Manager holds the active signing secret and any retired ones still in grace.
type Manager struct {
	mu       sync.RWMutex
	secret   []byte
	publicID string
	shared   bool
	retired  []retiredKey
	grace    time.Duration
	now      func() time.Time
}

type Option func(*Manager)

// WithGrace overrides DefaultGrace. Zero disables the grace period.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithClock injects the time source used for grace bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{grace: DefaultGrace, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PublicIDFor derives the publishable identifier of a secret: the 0x-prefixed
// Keccak-256 digest.
func PublicIDFor(secret []byte) string {
	return crypto.Keccak256Hash(secret).Hex()
}

// Generate creates a fresh random secret and makes it active. The previous
// secret, if any, is retired.
func (m *Manager) Generate() (string, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return m.install(secret, false), nil
}

// Load installs an externally provided secret, e.g. one distributed to every
// worker process so they all verify each other's tokens.
func (m *Manager) Load(secret []byte) (string, error) {
	if len(secret) < 16 {
		return "", fmt.Errorf("secret too short: %d bytes", len(secret))
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return m.install(cp, true), nil
}

func (m *Manager) install(secret []byte, shared bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.secret != nil && m.grace > 0 {
		m.retired = append(m.retired, retiredKey{secret: m.secret, retiredAt: now})
	} else if m.secret != nil {
		zero(m.secret)
	}
	m.pruneLocked(now)

	m.secret = secret
	m.shared = shared
	m.publicID = PublicIDFor(secret)
	return m.publicID
}

// PublicID returns the identifier of the active secret, or "" if none.
func (m *Manager) PublicID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publicID
}

// HasSecret reports whether the manager can sign.
func (m *Manager) HasSecret() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secret != nil
}

// Sign returns HMAC-SHA256(secret, payload).
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.secret == nil {
		return nil, ErrKeyUnavailable
	}
	return mac(m.secret, payload), nil
}

// Verify checks sig against the active secret and every retired secret still
// inside its grace period. Comparisons are constant time.
func (m *Manager) Verify(payload, sig []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.secret == nil {
		return ErrKeyUnavailable
	}
	if hmac.Equal(mac(m.secret, payload), sig) {
		return nil
	}
	now := m.now()
	for _, rk := range m.retired {
		if now.Sub(rk.retiredAt) > m.grace {
			continue
		}
		if hmac.Equal(mac(rk.secret, payload), sig) {
			return nil
		}
	}
	return ErrBadSignature
}

// Rotate generates a new active secret and appends its public id to the
// wallet file. A secret installed with Load cannot be rotated in place: the
// new secret would exist in this process only.
func (m *Manager) Rotate(walletFile string) (string, error) {
	m.mu.RLock()
	shared := m.shared
	m.mu.RUnlock()
	if shared {
		return "", ErrSharedSecret
	}
	id, err := m.Generate()
	if err != nil {
		return "", err
	}
	if err := AppendRotation(walletFile, id, m.now()); err != nil {
		return "", err
	}
	return id, nil
}

// Clear zeroes and forgets every secret.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret != nil {
		zero(m.secret)
	}
	for _, rk := range m.retired {
		zero(rk.secret)
	}
	m.secret = nil
	m.shared = false
	m.publicID = ""
	m.retired = nil
}

func (m *Manager) pruneLocked(now time.Time) {
	kept := m.retired[:0]
	for _, rk := range m.retired {
		if now.Sub(rk.retiredAt) > m.grace {
			zero(rk.secret)
			continue
		}
		kept = append(kept, rk)
	}
	m.retired = kept
}

func mac(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
