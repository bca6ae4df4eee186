// Package cache stores session state and transcript buffers in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"doctalk-agent/internal/conversation"
	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/transcript"
)

const (
	keyPrefix  = "doctalk:session:"
	sessionTTL = 24 * time.Hour
)

// SessionStore keeps conversation state and transcript buffers as JSON values
// that expire after a day of inactivity. It satisfies
// conversation.StateStore and transcript.BufferStore. Writes are optimistic:
// each value carries a revision checked under WATCH.
type SessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

type stateRecord struct {
	Intent    domain.Intent     `json:"intent"`
	Collected map[string]string `json:"collected"`
	Missing   []domain.Slot     `json:"missing"`
	Fulfilled bool              `json:"fulfilled"`
	Version   int64             `json:"version"`
}

// New wraps an existing client.
func New(client redis.UniversalClient) (*SessionStore, error) {
	if client == nil {
		return nil, errors.New("cache: client must not be nil")
	}
	return &SessionStore{client: client, ttl: sessionTTL}, nil
}

// Dial parses a redis:// URL, connects and pings. Close releases the
// connection pool.
func Dial(ctx context.Context, url string) (*SessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}
	return New(client)
}

// Close closes the underlying client.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

func stateKey(sessionID string) string {
	return keyPrefix + sessionID + ":state"
}

func bufferKey(sessionID string) string {
	return keyPrefix + sessionID + ":buffer"
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (conversation.State, bool, error) {
	var rec stateRecord
	ok, err := s.load(ctx, stateKey(sessionID), &rec)
	if err != nil || !ok {
		return conversation.State{}, false, wrap("Get state", err)
	}
	st := conversation.NewState(sessionID)
	st.Intent = rec.Intent
	st.Fulfilled = rec.Fulfilled
	st.Version = rec.Version
	for name, v := range rec.Collected {
		slot, known := domain.ParseSlot(name)
		if !known {
			return conversation.State{}, false, fmt.Errorf("cache: Get state: unknown slot %q", name)
		}
		st.Collected[slot] = v
	}
	if len(rec.Missing) > 0 {
		st.Missing = rec.Missing
	}
	return st, true, nil
}

func (s *SessionStore) Put(ctx context.Context, st conversation.State) error {
	if st.SessionID == "" {
		return errors.New("cache: Put state: session id is required")
	}
	rec := stateRecord{
		Intent:    st.Intent,
		Collected: st.Collected.ToMap(),
		Missing:   st.Missing,
		Fulfilled: st.Fulfilled,
		Version:   st.Version + 1,
	}
	return wrap("Put state", s.putVersioned(ctx, stateKey(st.SessionID), st.Version, rec, conversation.ErrConflict))
}

func (s *SessionStore) Remove(ctx context.Context, sessionID string) error {
	return wrap("Remove state", s.client.Del(ctx, stateKey(sessionID)).Err())
}

func (s *SessionStore) GetBuffer(ctx context.Context, sessionID string) (transcript.Buffer, bool, error) {
	var b transcript.Buffer
	ok, err := s.load(ctx, bufferKey(sessionID), &b)
	if err != nil || !ok {
		return transcript.Buffer{}, false, wrap("GetBuffer", err)
	}
	b.SessionID = sessionID
	return b, true, nil
}

func (s *SessionStore) PutBuffer(ctx context.Context, b transcript.Buffer) error {
	if b.SessionID == "" {
		return errors.New("cache: PutBuffer: session id is required")
	}
	read := b.Version
	b.Version++
	return wrap("PutBuffer", s.putVersioned(ctx, bufferKey(b.SessionID), read, b, transcript.ErrConflict))
}

func (s *SessionStore) RemoveBuffer(ctx context.Context, sessionID string) error {
	return wrap("RemoveBuffer", s.client.Del(ctx, bufferKey(sessionID)).Err())
}

// ClearSession drops state and buffer together.
func (s *SessionStore) ClearSession(ctx context.Context, sessionID string) error {
	return wrap("ClearSession", s.client.Del(ctx, stateKey(sessionID), bufferKey(sessionID)).Err())
}

func (s *SessionStore) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// putVersioned sets key to v when the stored revision still equals version.
// A mismatch, or a write to key between the check and EXEC, returns conflict.
func (s *SessionStore) putVersioned(ctx context.Context, key string, version int64, v any, conflict error) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var cur struct {
			Version int64 `json:"version"`
		}
		stored, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(stored, &cur); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if cur.Version != version {
			return conflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return conflict
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache: %s: %w", op, err)
}
