package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/gateway"
)

// SystemMetrics keeps the in-process view served on /health.
type SystemMetrics struct {
	mu sync.RWMutex

	OrderLatency *LatencyHistogram

	ordersProcessed uint64
	errorsCount     uint64

	gatewayStats gateway.PoolStats
	bus          BusStats
	inFlight     int
	queued       int
	outboxDepth  int
	killSwitch   bool

	lastUpdate time.Time
}

// BusStats is the event bus counters at one sample.
type BusStats struct {
	Published    int64 `json:"published"`
	Dropped      int64 `json:"dropped"`
	Disconnected int64 `json:"disconnected"`
	Subscribers  int   `json:"subscribers"`
}

// LatencyHistogram tracks latency samples over a sliding window. Stats are
// recomputed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency: NewLatencyHistogram(1000),
		lastUpdate:   time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordOrder counts one processed order and its latency.
func (m *SystemMetrics) RecordOrder(latency time.Duration, failed bool) {
	atomic.AddUint64(&m.ordersProcessed, 1)
	if failed {
		atomic.AddUint64(&m.errorsCount, 1)
	}
	m.OrderLatency.RecordDuration(latency)
}

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	OrderLatency    LatencyStats      `json:"order_latency"`
	OrdersProcessed uint64            `json:"orders_processed"`
	ErrorsCount     uint64            `json:"errors_count"`
	GatewayPool     gateway.PoolStats `json:"gateway_pool"`
	Bus             BusStats          `json:"bus"`
	InFlight        int               `json:"orders_in_flight"`
	Queued          int               `json:"orders_queued"`
	OutboxDepth     int               `json:"outbox_depth"`
	KillSwitch      bool              `json:"kill_switch_active"`
	GoroutineCount  int               `json:"goroutine_count"`
	HeapAlloc       uint64            `json:"heap_alloc_bytes"`
	LastSample      time.Time         `json:"last_sample"`
	Timestamp       time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	snap := MetricsSnapshot{
		GatewayPool: m.gatewayStats,
		Bus:         m.bus,
		InFlight:    m.inFlight,
		Queued:      m.queued,
		OutboxDepth: m.outboxDepth,
		KillSwitch:  m.killSwitch,
		LastSample:  m.lastUpdate,
	}
	m.mu.RUnlock()

	snap.OrderLatency = m.OrderLatency.Stats()
	snap.OrdersProcessed = atomic.LoadUint64(&m.ordersProcessed)
	snap.ErrorsCount = atomic.LoadUint64(&m.errorsCount)
	snap.GoroutineCount = runtime.NumGoroutine()
	snap.HeapAlloc = memStats.HeapAlloc
	snap.Timestamp = time.Now()
	return snap
}

// sample stores one round of runtime readings.
type sample struct {
	gateway     gateway.PoolStats
	bus         BusStats
	inFlight    int
	queued      int
	outboxDepth int
}

func (m *SystemMetrics) update(s sample) {
	m.mu.Lock()
	m.gatewayStats = s.gateway
	m.bus = s.bus
	m.inFlight = s.inFlight
	m.queued = s.queued
	m.outboxDepth = s.outboxDepth
	m.lastUpdate = time.Now()
	m.mu.Unlock()
}

// SetKillSwitch records the emergency stop state.
func (m *SystemMetrics) SetKillSwitch(active bool) {
	m.mu.Lock()
	m.killSwitch = active
	m.mu.Unlock()
}
