package progress

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	progress map[string]map[string]ModuleProgress
	applied  map[string]struct{}
}

// NewMemoryStore creates an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		progress: make(map[string]map[string]ModuleProgress),
		applied:  make(map[string]struct{}),
	}
}

// GetModuleProgress returns a copy of the user's progress.
func (s *MemoryStore) GetModuleProgress(_ context.Context, userID string) (map[string]ModuleProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ModuleProgress, len(s.progress[userID]))
	maps.Copy(out, s.progress[userID])
	return out, nil
}

// RecordAttempt applies ev once per event key.
func (s *MemoryStore) RecordAttempt(_ context.Context, userID string, ev Event) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.get(userID, ev.Module)
	key := userID + "/" + ev.Key()
	if _, dup := s.applied[key]; dup {
		return Result{Progress: current}, nil
	}

	next, tr := Apply(current, ev)
	s.put(userID, next)
	s.applied[key] = struct{}{}
	return Result{Progress: next, Transition: tr, Applied: true}, nil
}

// SetTemporaryUnlock sets the module's temporary unlock expiry.
func (s *MemoryStore) SetTemporaryUnlock(_ context.Context, userID, module string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.get(userID, module)
	p.TempUnlockExpiry = expiry
	p.UpdatedAt = time.Now()
	s.put(userID, p)
	return nil
}

// SetPermanentUnlock marks the module permanently unlocked.
func (s *MemoryStore) SetPermanentUnlock(_ context.Context, userID, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.get(userID, module)
	p.PermanentUnlock = true
	p.UpdatedAt = time.Now()
	s.put(userID, p)
	return nil
}

// Close is a no-op.
func (*MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) get(userID, module string) ModuleProgress {
	if p, ok := s.progress[userID][module]; ok {
		return p
	}
	return New(module)
}

func (s *MemoryStore) put(userID string, p ModuleProgress) {
	mods, ok := s.progress[userID]
	if !ok {
		mods = make(map[string]ModuleProgress)
		s.progress[userID] = mods
	}
	mods[p.Module] = p
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
