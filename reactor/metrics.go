package reactor

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the event-to-dispatch latency histogram
// buckets in nanoseconds, unchanged from go-ublk's I/O latency buckets
// since the same log-spaced range (1us-10s) fits both domains.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Reactor.
type Metrics struct {
	Accepts     atomic.Uint64
	Connects    atomic.Uint64
	Closes      atomic.Uint64
	ReadOps     atomic.Uint64
	WriteOps    atomic.Uint64
	ReadBytes   atomic.Uint64
	WriteBytes  atomic.Uint64
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	MessagesOut atomic.Uint64 // frames successfully parsed by a Protocol and delivered

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read from a connection.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write to a connection.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAccept records a new inbound connection being accepted.
func (m *Metrics) RecordAccept() { m.Accepts.Add(1) }

// RecordConnect records a new outbound connection being established.
func (m *Metrics) RecordConnect() { m.Connects.Add(1) }

// RecordClose records a connection being torn down.
func (m *Metrics) RecordClose() { m.Closes.Add(1) }

// RecordMessage records a frame successfully parsed and delivered.
func (m *Metrics) RecordMessage() { m.MessagesOut.Add(1) }

// RecordQueueDepth records the depth of a connection's outbound write
// queue.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		cur := m.MaxQueueDepth.Load()
		if depth <= cur {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(cur, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the reactor as stopped.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time copy of Metrics' counters plus
// derived statistics.
type MetricsSnapshot struct {
	Accepts, Connects, Closes     uint64
	ReadOps, WriteOps             uint64
	ReadBytes, WriteBytes         uint64
	ReadErrors, WriteErrors       uint64
	MessagesOut                   uint64
	AvgQueueDepth                 float64
	MaxQueueDepth                 uint32
	AvgLatencyNs                  uint64
	UptimeNs                      uint64
	LatencyP50Ns, LatencyP99Ns    uint64
	LatencyP999Ns                 uint64
	LatencyHistogram              [numLatencyBuckets]uint64
	ReadIOPS, WriteIOPS           float64
	ReadBandwidth, WriteBandwidth float64
	TotalOps, TotalBytes          uint64
	ErrorRate                     float64
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Accepts:     m.Accepts.Load(),
		Connects:    m.Connects.Load(),
		Closes:      m.Closes.Load(),
		ReadOps:     m.ReadOps.Load(),
		WriteOps:    m.WriteOps.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		WriteErrors: m.WriteErrors.Load(),
		MessagesOut: m.MessagesOut.Load(),
	}
	snap.MaxQueueDepth = m.MaxQueueDepth.Load()
	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if c := m.QueueDepthCount.Load(); c > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(c)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.UptimeNs > 0 {
		secs := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / secs
		snap.WriteIOPS = float64(snap.WriteOps) / secs
		snap.ReadBandwidth = float64(snap.ReadBytes) / secs
		snap.WriteBandwidth = float64(snap.WriteBytes) / secs
	}

	totalErrs := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrs) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)
	var prevBucket uint64
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			var prevCount uint64
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(frac*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection, mirroring go-ublk's
// Observer/NoOpObserver/MetricsObserver trio.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveAccept()
	ObserveConnect()
	ObserveClose()
	ObserveMessage()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveAccept()                    {}
func (NoOpObserver) ObserveConnect()                   {}
func (NoOpObserver) ObserveClose()                     {}
func (NoOpObserver) ObserveMessage()                   {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveAccept()             { o.metrics.RecordAccept() }
func (o *MetricsObserver) ObserveConnect()            { o.metrics.RecordConnect() }
func (o *MetricsObserver) ObserveClose()              { o.metrics.RecordClose() }
func (o *MetricsObserver) ObserveMessage()            { o.metrics.RecordMessage() }
func (o *MetricsObserver) ObserveQueueDepth(d uint32) { o.metrics.RecordQueueDepth(d) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
