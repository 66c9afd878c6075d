package otnet

import "sync/atomic"

// Counter is an atomic counter for metrics.
type Counter struct {
	value atomic.Int64
}

// Add increments the counter by n.
func (c *Counter) Add(n int64) {
	c.value.Add(n)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return c.value.Load()
}

// Gauge is an atomic gauge for metrics.
type Gauge struct {
	value atomic.Int64
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Load returns the current value.
func (g *Gauge) Load() int64 {
	return g.value.Load()
}

// Metrics captures connection level counters. A single Metrics value is
// usually shared by every connection of a ServiceManager.
type Metrics struct {
	Accepted  Counter
	Active    Gauge
	FramesIn  Counter
	FramesOut Counter
	BytesIn   Counter
	BytesOut  Counter
	Aborts    Counter
	Timeouts  Counter
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Accepted  int64
	Active    int64
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
	Aborts    int64
	Timeouts  int64
}

// Snapshot loads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Accepted:  m.Accepted.Load(),
		Active:    m.Active.Load(),
		FramesIn:  m.FramesIn.Load(),
		FramesOut: m.FramesOut.Load(),
		BytesIn:   m.BytesIn.Load(),
		BytesOut:  m.BytesOut.Load(),
		Aborts:    m.Aborts.Load(),
		Timeouts:  m.Timeouts.Load(),
	}
}

// LogArgs returns the snapshot as key-value pairs for a Logger.
func (s MetricsSnapshot) LogArgs() []any {
	return []any{
		"accepted", s.Accepted,
		"active", s.Active,
		"frames_in", s.FramesIn,
		"frames_out", s.FramesOut,
		"bytes_in", s.BytesIn,
		"bytes_out", s.BytesOut,
		"aborts", s.Aborts,
		"timeouts", s.Timeouts,
	}
}
