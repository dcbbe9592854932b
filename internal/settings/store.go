// Package settings keeps the display preferences of every browser.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cashmanager/internal/cache"
	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/metrics"
)

// ErrNotFound is returned by a Persister for a key that was never saved.
var ErrNotFound = errors.New("settings not found")

// Persister is the storage port of the settings blobs.
type Persister interface {
	LoadSettings(ctx context.Context, key string) ([]byte, error)
	SaveSettings(ctx context.Context, key string, blob []byte) error
}

// Patch changes any subset of the preferences at once.
type Patch struct {
	Language         *core.Language
	Theme            *core.Theme
	Currency         *core.Currency
	SidebarCollapsed *bool
}

// Store holds the preferences of one browser. Every mutation is persisted
// before it returns; a failed write leaves the previous state in place.
type Store struct {
	mu        sync.Mutex
	key       string
	state     core.Settings
	persister Persister
	logger    *log.Logger
	// shared is set when other processes write the same blobs.
	shared bool
}

// Open loads a browser's preferences. A missing or unreadable blob yields
// the defaults.
func Open(ctx context.Context, p Persister, clientID string, logger *log.Logger) (*Store, error) {
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if logger == nil {
		logger = log.Default(log.ComponentSettings)
	}
	s := &Store{
		key:       Key(clientID),
		state:     core.DefaultSettings(),
		persister: p,
		logger:    logger,
	}

	data, err := p.LoadSettings(ctx, s.key)
	switch {
	case errors.Is(err, ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	}

	state, err := Decode(data)
	if err != nil {
		logger.WarnContext(ctx, "Unreadable settings blob, using defaults",
			log.FieldOperation, log.OpRead, log.FieldClientID, clientID, log.FieldError, err)
	}
	s.state = state
	return s, nil
}

// Settings returns the current preferences.
func (s *Store) Settings() core.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) SetLanguage(ctx context.Context, l core.Language) (core.Settings, error) {
	return s.Apply(ctx, Patch{Language: &l})
}

func (s *Store) SetTheme(ctx context.Context, t core.Theme) (core.Settings, error) {
	return s.Apply(ctx, Patch{Theme: &t})
}

func (s *Store) SetCurrency(ctx context.Context, c core.Currency) (core.Settings, error) {
	return s.Apply(ctx, Patch{Currency: &c})
}

// ToggleSidebar flips the collapsed flag.
func (s *Store) ToggleSidebar(ctx context.Context) (core.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(ctx)
	collapsed := !s.state.SidebarCollapsed
	return s.applyLocked(ctx, Patch{SidebarCollapsed: &collapsed})
}

// Apply sets every field present in p and persists the result once.
func (s *Store) Apply(ctx context.Context, p Patch) (core.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(ctx)
	return s.applyLocked(ctx, p)
}

func (s *Store) sync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(ctx)
}

// syncLocked re-reads a shared blob. On any failure the held state is kept.
func (s *Store) syncLocked(ctx context.Context) {
	if !s.shared {
		return
	}
	data, err := s.persister.LoadSettings(ctx, s.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.WarnContext(ctx, "Settings reload failed, serving held state",
				log.FieldOperation, log.OpRead, "key", s.key, log.FieldError, err)
		}
		return
	}
	state, err := Decode(data)
	if err != nil {
		s.logger.WarnContext(ctx, "Unreadable settings blob, keeping held state",
			log.FieldOperation, log.OpRead, "key", s.key, log.FieldError, err)
		return
	}
	s.state = state
}

func (s *Store) applyLocked(ctx context.Context, p Patch) (core.Settings, error) {
	next := s.state
	var changed []string
	if p.Language != nil {
		if !p.Language.Valid() {
			return s.state, core.ErrInvalidLanguage
		}
		next.Language = *p.Language
		changed = append(changed, "language")
	}
	if p.Theme != nil {
		if !p.Theme.Valid() {
			return s.state, core.ErrInvalidTheme
		}
		next.Theme = *p.Theme
		changed = append(changed, "theme")
	}
	if p.Currency != nil {
		if !p.Currency.Valid() {
			return s.state, core.ErrInvalidCurrency
		}
		next.Currency = *p.Currency
		changed = append(changed, "currency")
	}
	if p.SidebarCollapsed != nil {
		next.SidebarCollapsed = *p.SidebarCollapsed
		changed = append(changed, "sidebarCollapsed")
	}
	if len(changed) == 0 {
		return s.state, nil
	}

	data, err := Encode(next)
	if err != nil {
		return s.state, err
	}
	if err := s.persister.SaveSettings(ctx, s.key, data); err != nil {
		return s.state, fmt.Errorf("persist settings: %w", err)
	}
	s.state = next

	for _, field := range changed {
		metrics.RecordSettingsChange(field)
	}
	s.logger.DebugContext(ctx, "Settings updated", log.FieldOperation, log.OpUpdate, "key", s.key, "fields", changed)
	return next, nil
}

// Service hands out one Store per browser so that each blob has a single
// writer in this process.
type Service struct {
	persister Persister
	stores    *cache.LRUCache[*Store]
	loads     singleflight.Group
	shared    bool
	logger    *log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSharedBackend marks the persister as written by other processes too.
// Stores then re-read their blob on every Open and before every change.
func WithSharedBackend() ServiceOption {
	return func(s *Service) { s.shared = true }
}

func NewService(p Persister, logger *log.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = log.Default(log.ComponentSettings)
	}
	s := &Service{
		persister: p,
		stores:    cache.NewLRUCache[*Store]("settings", 10000, 30*time.Minute),
		logger:    logger.WithComponent(log.ComponentSettings),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the Store of clientID, loading it on first use. Concurrent
// first opens of one client share a single load.
func (s *Service) Open(ctx context.Context, clientID string) (*Store, error) {
	if st, ok := s.stores.Get(clientID); ok {
		st.sync(ctx)
		return st, nil
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}

	v, err, _ := s.loads.Do(clientID, func() (any, error) {
		if st, ok := s.stores.Get(clientID); ok {
			return st, nil
		}
		st, err := Open(context.WithoutCancel(ctx), s.persister, clientID, s.logger)
		if err != nil {
			return nil, err
		}
		st.shared = s.shared
		s.stores.Set(clientID, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

// Cache exposes the open-store cache for periodic cleanup.
func (s *Service) Cache() cache.Cleaner {
	return s.stores
}

// MemoryPersister keeps blobs in process memory.
type MemoryPersister struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{blobs: make(map[string][]byte)}
}

func (p *MemoryPersister) LoadSettings(_ context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (p *MemoryPersister) SaveSettings(_ context.Context, key string, blob []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[key] = append([]byte(nil), blob...)
	return nil
}
