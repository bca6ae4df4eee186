package transcript

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict reports that a buffer was written by someone else after it was read.
var ErrConflict = errors.New("transcript: buffer changed concurrently")

// BufferStore persists per-session buffers between fragments. Get reports
// false for an unknown session; Remove of an unknown session is a no-op.
// PutBuffer writes only while the stored revision still equals b.Version (an
// absent buffer is revision 0) and advances it by one; otherwise it returns an
// error wrapping ErrConflict.
type BufferStore interface {
	GetBuffer(ctx context.Context, sessionID string) (Buffer, bool, error)
	PutBuffer(ctx context.Context, b Buffer) error
	RemoveBuffer(ctx context.Context, sessionID string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	buffers map[string]Buffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buffers: make(map[string]Buffer)}
}

func (m *MemoryStore) GetBuffer(_ context.Context, sessionID string) (Buffer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[sessionID]
	return b, ok, nil
}

func (m *MemoryStore) PutBuffer(_ context.Context, b Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buffers[b.SessionID].Version != b.Version {
		return ErrConflict
	}
	b.Version++
	m.buffers[b.SessionID] = b
	return nil
}

func (m *MemoryStore) RemoveBuffer(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, sessionID)
	return nil
}
