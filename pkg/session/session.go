// Package session tracks the calls that are live on this server so tool
// calls can find them by ID. Calls that go quiet past the TTL are hung up
// and reaped.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/txn2/mcp-coldcall-trainer/pkg/call"
)

// DefaultTTL is how long a call may go without activity.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned by Lookup for unknown or expired calls.
var ErrNotFound = errors.New("call not found")

// Entry is a registered call with its activity timestamps.
type Entry struct {
	Call         *call.Session
	CreatedAt    time.Time
	LastActiveAt time.Time
	ExpiresAt    time.Time
}

// Config configures a Registry.
type Config struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Registry holds live and recently ended calls.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		ttl:     cfg.TTL,
		logger:  logger,
		now:     cfg.Now,
	}
}

// Add registers a call.
func (r *Registry) Add(s *call.Session) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID()] = &Entry{
		Call:         s,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(r.ttl),
	}
}

// Get returns a registered call. Expired calls are not returned.
func (r *Registry) Get(id string) (*call.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || r.now().After(e.ExpiresAt) {
		return nil, false
	}
	return e.Call, true
}

// Lookup returns a registered call of userID and extends its expiry.
// Calls of other users are reported as not found.
func (r *Registry) Lookup(id, userID string) (*call.Session, error) {
	s, ok := r.Get(id)
	if !ok || (userID != "" && s.Principal().UserID != userID) {
		return nil, ErrNotFound
	}
	r.Touch(id)
	return s, nil
}

// Touch extends a call's expiry.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		now := r.now()
		e.LastActiveAt = now
		e.ExpiresAt = now.Add(r.ttl)
	}
}

// Remove drops a call from the registry without hanging it up.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// List returns the registered calls of userID, or of everyone when userID
// is empty, oldest first.
func (r *Registry) List(userID string) []Entry {
	r.mu.RLock()
	now := r.now()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if now.After(e.ExpiresAt) {
			continue
		}
		if userID != "" && e.Call.Principal().UserID != userID {
			continue
		}
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Live returns the number of registered calls that have not ended.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Call.CallState() != call.StateEnded {
			n++
		}
	}
	return n
}

// Cleanup hangs up and removes expired calls. It returns how many were
// removed.
func (r *Registry) Cleanup(_ context.Context) int {
	now := r.now()

	r.mu.Lock()
	var expired []*call.Session
	for id, e := range r.entries {
		if now.After(e.ExpiresAt) {
			expired = append(expired, e.Call)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if s.HangUp(call.EndSessionExpired) {
			r.logger.Info("expired idle call", "session_id", s.ID(), "user_id", s.Principal().UserID)
		}
	}
	return len(expired)
}

// StartCleanupRoutine starts a background goroutine that periodically
// reaps expired calls. The goroutine is stopped when Close is called.
func (r *Registry) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup goroutine and hangs up every live call.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	r.mu.Lock()
	calls := make([]*call.Session, 0, len(r.entries))
	for id, e := range r.entries {
		calls = append(calls, e.Call)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, s := range calls {
		s.HangUp(call.EndShutdown)
	}
	return nil
}
