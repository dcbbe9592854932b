package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"cashmanager/internal/core"
	"cashmanager/internal/identity"
)

// ErrNotFound is returned by a Store for an unknown session id.
var ErrNotFound = errors.New("session not found")

// Record is the server-side state of one browser context.
type Record struct {
	ID         string            `json:"id"`
	User       *core.User        `json:"user,omitempty"`
	Tokens     identity.TokenSet `json:"tokens"`
	Provider   string            `json:"provider,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	LastSeenAt time.Time         `json:"lastSeenAt"`
}

// Authenticated reports whether the record holds a signed-in user.
func (r Record) Authenticated() bool {
	return r.User != nil && r.Tokens.AccessToken != ""
}

// ExpiresAt is the moment after which the record cannot be resumed.
func (r Record) ExpiresAt() time.Time {
	if !r.Tokens.RefreshExpiry.IsZero() {
		return r.Tokens.RefreshExpiry
	}
	return r.Tokens.Expiry
}

// LastActive is the last time a browser used the record. Background
// renewals do not count.
func (r Record) LastActive() time.Time {
	if !r.LastSeenAt.IsZero() {
		return r.LastSeenAt
	}
	return r.CreatedAt
}

// Snapshot is the UI view of the record.
func (r Record) Snapshot() core.Session {
	if !r.Authenticated() {
		return core.Anonymous()
	}
	u := *r.User
	return core.Session{ID: r.ID, IsAuthenticated: true, User: &u}
}

// Store persists session records.
type Store interface {
	GetSession(ctx context.Context, id string) (Record, error)
	SaveSession(ctx context.Context, rec Record) error
	DeleteSession(ctx context.Context, id string) error
	// DeleteExpiredSessions removes records whose ExpiresAt is before cutoff.
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) DeleteExpiredSessions(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		exp := rec.ExpiresAt()
		if !exp.IsZero() && exp.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
