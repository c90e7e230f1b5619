package lwm2m

import (
	"math"
	"sync"
	"sync/atomic"
)

// MemoryMetrics is an in-memory implementation of Metrics for testing.
type MemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	gauges   map[string]*memoryGauge
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]*memoryCounter),
		gauges:   make(map[string]*memoryGauge),
	}
}

func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	key := name
	for k, v := range labels {
		key += "|" + k + "=" + v
	}

	return key
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[key]; ok {
		return c
	}

	c := &memoryCounter{}
	m.counters[key] = c

	return c
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.gauges[key]; ok {
		return g
	}

	g := &memoryGauge{}
	m.gauges[key] = g

	return g
}

type memoryCounter struct {
	bits atomic.Uint64
}

func (c *memoryCounter) Inc() { c.Add(1) }

func (c *memoryCounter) Add(delta float64) {
	for {
		old := c.bits.Load()
		val := math.Float64frombits(old) + delta
		if c.bits.CompareAndSwap(old, math.Float64bits(val)) {
			return
		}
	}
}

func (c *memoryCounter) Value() float64 {
	return math.Float64frombits(c.bits.Load())
}

type memoryGauge struct {
	bits atomic.Uint64
}

func (g *memoryGauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

func (g *memoryGauge) Inc() { g.add(1) }
func (g *memoryGauge) Dec() { g.add(-1) }

func (g *memoryGauge) add(delta float64) {
	for {
		old := g.bits.Load()
		val := math.Float64frombits(old) + delta
		if g.bits.CompareAndSwap(old, math.Float64bits(val)) {
			return
		}
	}
}

func (g *memoryGauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}
