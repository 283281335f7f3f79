// Package cache holds in-process caches and the background loop that keeps
// them warm.
package cache

import (
	"context"
	"sync"
	"time"

	"tally/internal/log"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (Entry[T], bool)
	Set(key string, data T, storedAt time.Time)
	Delete(key string)
	Size() int
}

var _ Cache[int] = (*LRUCache[int])(nil)

// Refresher re-fetches whatever it holds that has gone stale.
type Refresher interface {
	// RefreshExpired returns how many entries were refreshed. One failing
	// entry does not stop the others.
	RefreshExpired(ctx context.Context) (int, error)
}

// Manager periodically refreshes registered caches.
type Manager struct {
	mu         sync.Mutex
	refreshers []Refresher
	logger     *log.Logger
	stop       chan struct{}
	done       chan struct{}
}

// NewManager creates a new cache manager. logger may be nil.
func NewManager(logger *log.Logger) *Manager {
	if logger != nil {
		logger = logger.WithComponent(log.ComponentCache)
	}
	return &Manager{logger: logger}
}

// Register adds a refresher to the manager.
func (m *Manager) Register(r Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshers = append(m.refreshers, r)
}

// Start begins refreshing every interval until Stop is called or ctx ends.
// Calling Start twice has no effect.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(ctx, interval, m.stop, m.done)
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RefreshAll(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RefreshAll runs every registered refresher once and returns the total
// number of refreshed entries.
func (m *Manager) RefreshAll(ctx context.Context) int {
	m.mu.Lock()
	rs := append([]Refresher(nil), m.refreshers...)
	m.mu.Unlock()

	total := 0
	for _, r := range rs {
		n, err := r.RefreshExpired(ctx)
		total += n
		if err != nil && m.logger != nil {
			m.logger.WarnContext(ctx, "Cache refresh incomplete", log.FieldRefreshed, n, log.FieldError, err)
		}
	}
	if total > 0 && m.logger != nil {
		m.logger.DebugContext(ctx, "Cache refreshed", log.FieldRefreshed, total)
	}
	return total
}

// Stop gracefully stops the refresh loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
