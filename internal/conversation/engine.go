package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"doctalk-agent/internal/domain"
)

// maxWriteAttempts bounds how often a turn is replayed after losing a write
// race to another process.
const maxWriteAttempts = 3

// Engine runs the Manager against stored session state. Turns for the same
// session are serialized within the process; across processes the store's
// revision check rejects stale writes and the turn is replayed on fresh state.
type Engine struct {
	manager *Manager
	store   StateStore
	locks   KeyedMutex
}

func NewEngine(manager *Manager, store StateStore) (*Engine, error) {
	if manager == nil {
		return nil, errors.New("conversation: manager must not be nil")
	}
	if store == nil {
		return nil, errors.New("conversation: state store must not be nil")
	}
	return &Engine{manager: manager, store: store}, nil
}

// ProcessTurn loads the session's state (starting fresh for an id it has not
// seen), applies the extraction and stores the result. A write that loses to a
// concurrent turn is retried against the newer state.
func (e *Engine) ProcessTurn(ctx context.Context, sessionID string, ex domain.Extraction) (Reply, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Reply{}, errors.New("conversation: session id is required")
	}
	unlock := e.locks.Lock(sessionID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		st, err := e.load(ctx, sessionID)
		if err != nil {
			return Reply{}, err
		}
		reply, next := e.manager.ProcessTurn(ex, st)
		err = e.store.Put(ctx, next)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrConflict) || attempt == maxWriteAttempts {
			return Reply{}, fmt.Errorf("conversation: store state: %w", err)
		}
	}
}

// State returns the current state for a session without modifying it.
func (e *Engine) State(ctx context.Context, sessionID string) (State, error) {
	return e.load(ctx, strings.TrimSpace(sessionID))
}

// ResetSession discards a session's state. Resetting an unknown session is a no-op.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	unlock := e.locks.Lock(sessionID)
	defer unlock()
	if err := e.store.Remove(ctx, sessionID); err != nil {
		return fmt.Errorf("conversation: remove state: %w", err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, sessionID string) (State, error) {
	st, ok, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return State{}, fmt.Errorf("conversation: load state: %w", err)
	}
	if !ok {
		return NewState(sessionID), nil
	}
	st.SessionID = sessionID
	return st, nil
}
