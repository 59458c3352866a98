package nonce

import (
	"context"

	"github.com/puzpuzpuz/xsync/v2"
)

// MemoryStore is a process-local Store. Replay protection it provides holds
// only within one process.
type MemoryStore struct {
	seen *xsync.MapOf[string, struct{}]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: xsync.NewMapOf[struct{}]()}
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, nonce string) (bool, error) {
	_, loaded := m.seen.LoadOrStore(nonce, struct{}{})
	return !loaded, nil
}

// Len returns the number of consumed nonces.
func (m *MemoryStore) Len() int {
	return m.seen.Size()
}
