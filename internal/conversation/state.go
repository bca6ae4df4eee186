package conversation

import "doctalk-agent/internal/domain"

// State is the per-session slot-filling record. Collected and Missing only
// have meaning relative to Intent.
type State struct {
	SessionID string
	Intent    domain.Intent
	Collected domain.Entities
	Missing   []domain.Slot
	Fulfilled bool
	// Version is the stored revision the state was read at, zero when new.
	Version int64
}

// NewState returns the empty state for a session.
func NewState(sessionID string) State {
	return State{SessionID: sessionID, Collected: domain.Entities{}}
}

// Active reports whether a request is in progress.
func (s State) Active() bool {
	return s.Intent != domain.IntentNone
}

// Pending returns the slot the last question asked for.
func (s State) Pending() (domain.Slot, bool) {
	if len(s.Missing) == 0 {
		return "", false
	}
	return s.Missing[0], true
}

// Reset clears everything but the session id and stored revision.
func (s State) Reset() State {
	out := NewState(s.SessionID)
	out.Version = s.Version
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s State) Clone() State {
	out := s
	out.Collected = s.Collected.Clone()
	if s.Missing != nil {
		out.Missing = append([]domain.Slot(nil), s.Missing...)
	}
	return out
}
