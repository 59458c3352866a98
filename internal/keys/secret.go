package keys

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// SecretEnv names the environment variable cmd/mint and the server read a
// shared secret from.
const SecretEnv = "TOLLBOT_SIGNING_SECRET"

// ParseSecret decodes a hex secret, with or without a 0x prefix.
func ParseSecret(s string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if raw == "" {
		return nil, fmt.Errorf("keys: empty secret")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("keys: secret must be hex: %w", err)
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("keys: secret must be at least 16 bytes (got %d)", len(b))
	}
	return b, nil
}

// SecretFromEnv returns the secret in TOLLBOT_SIGNING_SECRET, or nil if the
// variable is unset.
func SecretFromEnv() ([]byte, error) {
	v := os.Getenv(SecretEnv)
	if v == "" {
		return nil, nil
	}
	return ParseSecret(v)
}

// ExportSecret returns the active secret as hex. Only cmd/init uses it, once,
// so an operator can distribute the secret to every worker.
func (m *Manager) ExportSecret() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.secret == nil {
		return "", ErrKeyUnavailable
	}
	return hex.EncodeToString(m.secret), nil
}
