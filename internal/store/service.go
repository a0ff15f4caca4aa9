package store

import (
	"sync"
	"time"
)

// cacheTTL is how long a loaded database stays fresh. Bursts of calls
// within the window collapse into a single disk read.
const cacheTTL = 2 * time.Second

// Service wraps a Store with a short-lived in-memory cache. It is
// constructed once and passed to whatever needs database access; only one
// goroutine performs the actual reload while others wait and reuse its
// result.
type Service struct {
	store *Store

	mu         sync.Mutex
	db         *Database
	lastReload time.Time
}

// NewService creates a service and performs the initial load.
func NewService(store *Store) (*Service, error) {
	svc := &Service{store: store}
	if err := svc.reload(); err != nil {
		return nil, err
	}
	return svc, nil
}

// Store returns the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

func (s *Service) reload() error {
	db, err := s.store.Load()
	if err != nil {
		return err
	}
	s.db = db
	s.lastReload = time.Now()
	return nil
}

// Database returns the cached database, reloading from disk if the cache
// has expired.
func (s *Service) Database() (*Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastReload) > cacheTTL {
		if err := s.reload(); err != nil {
			return nil, err
		}
	}
	return s.db, nil
}

// Reload forces a fresh read from disk, bypassing the cache. Mutating
// operations call this before applying changes so they never act on stale
// data.
func (s *Service) Reload() (*Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s.db, nil
}

// Save persists the given database and adopts it as the cached state.
func (s *Service) Save(db *Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(db); err != nil {
		return err
	}
	s.db = db
	s.lastReload = time.Now()
	return nil
}
