// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Record counters (only for pipeline stage operations)
	TotalRecords int64
	TotalRetries int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Record stats (nil if not applicable)
	TotalRecords *int64
	AvgRecords   *float64
	TotalRetries *int64
}

// Snapshot represents the full process statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Extract       *OperationSnapshot
	Drift         *OperationSnapshot
	Normalize     *OperationSnapshot
	Upsert        *OperationSnapshot
	Run           *OperationSnapshot
}

// Operation names for the collector.
const (
	OpExtract   = "extract"
	OpDrift     = "drift"
	OpNormalize = "normalize"
	OpUpsert    = "upsert"
	OpRun       = "run"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime: time.Duration(math.MaxInt64),
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordStage records timing plus record volume for a pipeline stage.
func (c *Collector) RecordStage(op string, duration time.Duration, records int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration
	m.TotalRecords += records

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordRetry counts one retried attempt for an operation.
func (c *Collector) RecordRetry(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(op).TotalRetries++
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeRecords bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeRecords {
		total := m.TotalRecords
		avg := float64(m.TotalRecords) / float64(m.Count)
		retries := m.TotalRetries

		snap.TotalRecords = &total
		snap.AvgRecords = &avg
		snap.TotalRetries = &retries
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Extract:       snapshotOp(c.ops[OpExtract], true),
		Drift:         snapshotOp(c.ops[OpDrift], true),
		Normalize:     snapshotOp(c.ops[OpNormalize], true),
		Upsert:        snapshotOp(c.ops[OpUpsert], true),
		Run:           snapshotOp(c.ops[OpRun], true),
	}
}
