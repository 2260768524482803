// Package rcmap provides a reference-counted map whose entries expire once
// they have been idle for a fixed TTL.
//
// A value is looked up on first use and shared by every caller holding a
// reference. When the last reference is released the entry is stamped with
// the release time; a reaper evicts entries that stay unreferenced for longer
// than IdleTTL and hands their values to the Release hook.
package rcmap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("rcmap: closed")

// LookupFunc produces the value for key. It runs once per live entry.
type LookupFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Options configures a Map.
type Options[V any] struct {
	// IdleTTL is how long an unreferenced entry survives. Zero evicts on the
	// next sweep after release.
	IdleTTL time.Duration
	// SweepInterval is how often the reaper runs. Defaults to IdleTTL/4, at
	// least 10ms. A negative value disables the reaper; call Sweep manually.
	SweepInterval time.Duration
	// Release is called with each evicted value.
	Release func(V)
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

type entry[V any] struct {
	ready    chan struct{}
	value    V
	err      error
	refs     int
	released time.Time
}

// Map is a reference-counted, idle-expiring lookup map.
type Map[K comparable, V any] struct {
	lookup  LookupFunc[K, V]
	opts    Options[V]
	mutex   sync.Mutex
	entries map[K]*entry[V]
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	lookups   int64
	hits      int64
	evictions int64
}

// Stats are the counters of a Map.
type Stats struct {
	Lookups   int64
	Hits      int64
	Evictions int64
}

// New creates a map and starts its reaper.
func New[K comparable, V any](lookup LookupFunc[K, V], opts Options[V]) *Map[K, V] {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &Map[K, V]{
		lookup:  lookup,
		opts:    opts,
		entries: make(map[K]*entry[V]),
		done:    make(chan struct{}),
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = opts.IdleTTL / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
	}
	if interval > 0 {
		m.wg.Add(1)
		go m.reap(interval)
	}

	return m
}

// Get checks out the value for key, looking it up if no live entry exists.
// Concurrent first calls share a single lookup. The returned release func
// must be called exactly once when the caller is done; further calls are
// no-ops. Failed lookups are not cached.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, func(), error) {
	var zero V

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()

		return zero, nil, ErrClosed
	}
	e, ok := m.entries[key]
	if ok {
		atomic.AddInt64(&m.hits, 1)
	} else {
		e = &entry[V]{ready: make(chan struct{})}
		m.entries[key] = e
		atomic.AddInt64(&m.lookups, 1)
		go m.load(context.WithoutCancel(ctx), key, e)
	}
	e.refs++
	m.mutex.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		m.release(e)

		return zero, nil, ctx.Err()
	}
	if e.err != nil {
		m.release(e)

		return zero, nil, e.err
	}

	var once sync.Once

	return e.value, func() { once.Do(func() { m.release(e) }) }, nil
}

func (m *Map[K, V]) load(ctx context.Context, key K, e *entry[V]) {
	v, err := m.lookup(ctx, key)

	m.mutex.Lock()
	e.value, e.err = v, err
	if err != nil && m.entries[key] == e {
		delete(m.entries, key)
	}
	if e.refs == 0 {
		e.released = m.opts.Clock()
	}
	close(e.ready)
	m.mutex.Unlock()
}

func (m *Map[K, V]) release(e *entry[V]) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	e.refs--
	if e.refs == 0 {
		e.released = m.opts.Clock()
	}
}

func (m *Map[K, V]) reap(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts every loaded entry with no references that has been idle for
// longer than IdleTTL, and returns how many it evicted.
func (m *Map[K, V]) Sweep() int {
	now := m.opts.Clock()
	var evicted []V

	m.mutex.Lock()
	for k, e := range m.entries {
		if e.refs > 0 || !isReady(e) || e.err != nil {
			continue
		}
		if now.Sub(e.released) < m.opts.IdleTTL {
			continue
		}
		delete(m.entries, k)
		evicted = append(evicted, e.value)
	}
	m.mutex.Unlock()

	atomic.AddInt64(&m.evictions, int64(len(evicted)))
	if m.opts.Release != nil {
		for _, v := range evicted {
			m.opts.Release(v)
		}
	}

	return len(evicted)
}

func isReady[V any](e *entry[V]) bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Len returns the number of live entries, including in-flight lookups.
func (m *Map[K, V]) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.entries)
}

// Stats returns a snapshot of the counters.
func (m *Map[K, V]) Stats() Stats {
	return Stats{
		Lookups:   atomic.LoadInt64(&m.lookups),
		Hits:      atomic.LoadInt64(&m.hits),
		Evictions: atomic.LoadInt64(&m.evictions),
	}
}

// Close stops the reaper and releases every loaded value regardless of its
// reference count. Outstanding release funcs become no-ops on the map.
func (m *Map[K, V]) Close() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()

		return
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[K]*entry[V])
	m.mutex.Unlock()

	close(m.done)
	m.wg.Wait()

	for _, e := range entries {
		<-e.ready
		if e.err == nil && m.opts.Release != nil {
			m.opts.Release(e.value)
		}
	}
}
