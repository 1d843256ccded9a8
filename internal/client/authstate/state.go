// Package authstate persists the client's authentication state across restarts: the
// optimistic "authenticated" hint, the credential itself, and when presence was last synced.
package authstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	keyState      = "state"
	keyCredential = "credential"
)

// State is the persisted client auth view. Authenticated is a UI hint only; admission is
// derived from the credential.
type State struct {
	Authenticated bool      `json:"authenticated"`
	HasCredential bool      `json:"-"`
	LastSyncAt    time.Time `json:"lastSyncAt"`
}

// Credential is the token pair issued by login or refresh.
type Credential struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	UserID           string    `json:"userId"`
	SessionID        string    `json:"sessionId"`
}

// Expired reports whether the access token is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store reads and writes State and Credential through a KV. Writes are synchronous: when a
// method returns nil the change is durable.
type Store struct {
	mu sync.Mutex
	kv KV
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load returns the persisted state. A missing record is the zero State.
func (s *Store) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadState(ctx)
	if err != nil {
		return State{}, err
	}
	raw, err := s.kv.Get(ctx, keyCredential)
	if err != nil {
		return State{}, err
	}
	st.HasCredential = raw != nil
	return st, nil
}

// Credential returns the stored credential, or nil when there is none.
func (s *Store) Credential(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.kv.Get(ctx, keyCredential)
	if err != nil || raw == nil {
		return nil, err
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &c, nil
}

// SaveCredential stores c and sets Authenticated.
func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyCredential, raw); err != nil {
		return err
	}
	return s.update(ctx, func(st *State) { st.Authenticated = true })
}

// Invalidate sets Authenticated to false and drops the credential. The flag is written
// first so a failure halfway still leaves the hint pessimistic.
func (s *Store) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.update(ctx, func(st *State) { st.Authenticated = false }); err != nil {
		return err
	}
	return s.kv.Delete(ctx, keyCredential)
}

// MarkSynced records a completed presence sync at t.
func (s *Store) MarkSynced(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, func(st *State) { st.LastSyncAt = t.UTC() })
}

// Wipe removes everything.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Clear(ctx)
}

func (s *Store) loadState(ctx context.Context) (State, error) {
	var st State
	raw, err := s.kv.Get(ctx, keyState)
	if err != nil || raw == nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode auth state: %w", err)
	}
	return st, nil
}

func (s *Store) update(ctx context.Context, fn func(*State)) error {
	st, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	fn(&st)
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyState, raw)
}
