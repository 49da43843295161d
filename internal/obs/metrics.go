// Package obs collects lightweight engine counters and latency stats.
// Everything is atomic; nothing here blocks the hot path.
package obs

import (
	"sync/atomic"
	"time"

	"main/internal/bus"
)

const maxEventType = int(bus.EventTradeClosed)

// Metrics counts engine events and aggregates wire-call latencies.
type Metrics struct {
	eventCounts [maxEventType + 1]uint64
	queueDrops  uint64

	placeLatency     LatencyStats
	cancelLatency    LatencyStats
	reconcileLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[bus.EventType]uint64
	QueueDrops       uint64
	PlaceLatency     LatencySnapshot
	CancelLatency    LatencySnapshot
	ReconcileLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent counts one bus event.
func (m *Metrics) ObserveEvent(e bus.Event) {
	if m == nil {
		return
	}
	idx := int(e.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
}

// IncQueueDrop records a dropped bus publish.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// ObservePlace measures one order placement round trip.
func (m *Metrics) ObservePlace(d time.Duration) {
	if m == nil {
		return
	}
	m.placeLatency.Observe(d)
}

// ObserveCancel measures one cancel round trip.
func (m *Metrics) ObserveCancel(d time.Duration) {
	if m == nil {
		return
	}
	m.cancelLatency.Observe(d)
}

// ObserveReconcile measures one reconciliation poll.
func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[bus.EventType]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[bus.EventType(i)] = v
		}
	}
	return Snapshot{
		EventCounts:      eventCounts,
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		PlaceLatency:     m.placeLatency.Snapshot(),
		CancelLatency:    m.cancelLatency.Snapshot(),
		ReconcileLatency: m.reconcileLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
