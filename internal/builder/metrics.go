package builder

import (
	"sync"
	"time"
)

// Metrics tracks orchestrator activity across generations.
type Metrics struct {
	Generations     int64
	DocumentsBuilt  int64
	CacheHits       int64
	Dispatches      int64
	Failures        int64
	Removals        int64
	ManifestWrites  int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
	mutex           sync.RWMutex
}

// NewMetrics creates an empty tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) add(field *int64, n int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	*field += n
}

func (m *Metrics) recordGeneration(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Generations++
	m.TotalDuration += d
	m.AverageDuration = m.TotalDuration / time.Duration(m.Generations)
}

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return Metrics{
		Generations:     m.Generations,
		DocumentsBuilt:  m.DocumentsBuilt,
		CacheHits:       m.CacheHits,
		Dispatches:      m.Dispatches,
		Failures:        m.Failures,
		Removals:        m.Removals,
		ManifestWrites:  m.ManifestWrites,
		TotalDuration:   m.TotalDuration,
		AverageDuration: m.AverageDuration,
	}
}

// CacheHitRate returns cache hits as a percentage of added documents seen.
func (m *Metrics) CacheHitRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	total := m.CacheHits + m.Dispatches
	if total == 0 {
		return 0
	}

	return float64(m.CacheHits) / float64(total) * 100
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Generations = 0
	m.DocumentsBuilt = 0
	m.CacheHits = 0
	m.Dispatches = 0
	m.Failures = 0
	m.Removals = 0
	m.ManifestWrites = 0
	m.TotalDuration = 0
	m.AverageDuration = 0
}
