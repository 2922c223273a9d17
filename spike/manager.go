// Package spike collapses concurrent lookups of the same key into one fetch and keeps the result for a TTL
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// Manager serves cached values and deduplicates fetches of missing ones. Failed fetches are not cached.
type Manager[T any] struct {
	fetch        func(ctx context.Context, k string) (T, error)
	fetchTimeout time.Duration
	cache        *gocache.Cache
	ttl          time.Duration

	mu       sync.Mutex
	inflight map[string]*call[T]
}

// NewManager creates a Manager whose fetches run detached from any single caller, bounded by fetchTimeout.
func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), ttl, fetchTimeout time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:        fetch,
		fetchTimeout: fetchTimeout,
		cache:        gocache.New(ttl, defaultCleanupInterval),
		ttl:          ttl,
		inflight:     make(map[string]*call[T]),
	}
}

// Get returns the cached value for k or waits for a shared fetch. A caller giving up does not cancel the
// fetch for the others.
func (m *Manager[T]) Get(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if v, ok := m.cached(k); ok {
		return v, nil
	}

	m.mu.Lock()
	if v, ok := m.cached(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	c, ok := m.inflight[k]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[k] = c
		go m.run(k, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

func (m *Manager[T]) run(k string, c *call[T]) {
	ctx := context.Background()
	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}
	c.v, c.err = m.fetch(ctx, k)

	m.mu.Lock()
	if c.err == nil {
		m.cache.Set(k, c.v, m.ttl)
	}
	delete(m.inflight, k)
	m.mu.Unlock()
	close(c.done)
}

func (m *Manager[T]) cached(k string) (T, bool) {
	v, ok := m.cache.Get(k)
	if !ok {
		var zero T
		return zero, false
	}
	//nolint:forcetypeassert
	return v.(T), true
}

// Refresh drops the cached value and fetches a new one.
func (m *Manager[T]) Refresh(ctx context.Context, k string) (T, error) { //nolint:ireturn
	m.cache.Delete(k)
	return m.Get(ctx, k)
}

// Peek returns the cached value without fetching.
func (m *Manager[T]) Peek(k string) (T, bool) {
	return m.cached(k)
}
