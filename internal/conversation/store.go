package conversation

import (
	"context"
	"errors"
	"sync"
)

// ErrConflict reports that a session's state was written by someone else after
// it was read.
var ErrConflict = errors.New("conversation: state changed concurrently")

// StateStore persists conversation state by session id. Get reports false for
// a session it has never seen. Remove of an unknown session is a no-op. Put
// writes only while the stored revision still equals st.Version (an absent
// record is revision 0) and advances it by one; otherwise it returns an error
// wrapping ErrConflict.
type StateStore interface {
	Get(ctx context.Context, sessionID string) (State, bool, error)
	Put(ctx context.Context, st State) error
	Remove(ctx context.Context, sessionID string) error
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]State)}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return State{}, false, nil
	}
	return st.Clone(), true, nil
}

func (m *MemoryStore) Put(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[st.SessionID].Version != st.Version {
		return ErrConflict
	}
	st = st.Clone()
	st.Version++
	m.sessions[st.SessionID] = st
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
