package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/gateway"
)

// SystemMetrics tracks gateway-wide performance.
type SystemMetrics struct {
	mu sync.RWMutex

	OrderLatency   *LatencyHistogram
	WebhookLatency *LatencyHistogram
	DBLatency      *LatencyHistogram
	APILatency     *LatencyHistogram

	ordersPlaced       uint64
	fillsProcessed     uint64
	webhooksDispatched uint64
	streamReconnects   uint64
	errorsCount        uint64
	apiRequests        uint64
	apiErrors          uint64

	poolStats gateway.PoolStats
}

// LatencyHistogram keeps a sliding window of samples. Stats are
// recomputed lazily, only when the window has changed.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:   NewLatencyHistogram(1000),
		WebhookLatency: NewLatencyHistogram(1000),
		DBLatency:      NewLatencyHistogram(1000),
		APILatency:     NewLatencyHistogram(1000),
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

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99 over the window.
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

func (m *SystemMetrics) IncrementOrders()           { atomic.AddUint64(&m.ordersPlaced, 1) }
func (m *SystemMetrics) IncrementFills()            { atomic.AddUint64(&m.fillsProcessed, 1) }
func (m *SystemMetrics) IncrementWebhooks()         { atomic.AddUint64(&m.webhooksDispatched, 1) }
func (m *SystemMetrics) IncrementStreamReconnects() { atomic.AddUint64(&m.streamReconnects, 1) }
func (m *SystemMetrics) IncrementErrors()           { atomic.AddUint64(&m.errorsCount, 1) }
func (m *SystemMetrics) IncrementAPI()              { atomic.AddUint64(&m.apiRequests, 1) }
func (m *SystemMetrics) IncrementAPIErrors()        { atomic.AddUint64(&m.apiErrors, 1) }

// SetPoolStats updates the adapter pool snapshot.
func (m *SystemMetrics) SetPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolStats = stats
}

// MetricsSnapshot is a point-in-time view, served at /api/metrics.
type MetricsSnapshot struct {
	OrderLatency       LatencyStats      `json:"order_latency"`
	WebhookLatency     LatencyStats      `json:"webhook_latency"`
	DBLatency          LatencyStats      `json:"db_latency"`
	APILatency         LatencyStats      `json:"api_latency"`
	OrdersPlaced       uint64            `json:"orders_placed"`
	FillsProcessed     uint64            `json:"fills_processed"`
	WebhooksDispatched uint64            `json:"webhooks_dispatched"`
	StreamReconnects   uint64            `json:"stream_reconnects"`
	ErrorsCount        uint64            `json:"errors_count"`
	APIRequests        uint64            `json:"api_requests"`
	APIErrors          uint64            `json:"api_errors"`
	AdapterPool        gateway.PoolStats `json:"adapter_pool"`
	GoroutineCount     int               `json:"goroutine_count"`
	HeapAlloc          uint64            `json:"heap_alloc_bytes"`
	HeapSys            uint64            `json:"heap_sys_bytes"`
	Timestamp          time.Time         `json:"timestamp"`
}

// GetSnapshot returns the current metrics.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pool := m.poolStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:       m.OrderLatency.Stats(),
		WebhookLatency:     m.WebhookLatency.Stats(),
		DBLatency:          m.DBLatency.Stats(),
		APILatency:         m.APILatency.Stats(),
		OrdersPlaced:       atomic.LoadUint64(&m.ordersPlaced),
		FillsProcessed:     atomic.LoadUint64(&m.fillsProcessed),
		WebhooksDispatched: atomic.LoadUint64(&m.webhooksDispatched),
		StreamReconnects:   atomic.LoadUint64(&m.streamReconnects),
		ErrorsCount:        atomic.LoadUint64(&m.errorsCount),
		APIRequests:        atomic.LoadUint64(&m.apiRequests),
		APIErrors:          atomic.LoadUint64(&m.apiErrors),
		AdapterPool:        pool,
		GoroutineCount:     runtime.NumGoroutine(),
		HeapAlloc:          memStats.HeapAlloc,
		HeapSys:            memStats.HeapSys,
		Timestamp:          time.Now(),
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer recording into the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time.
func (t *Timer) Stop() {
	if t.histogram != nil {
		t.histogram.RecordDuration(time.Since(t.start))
	}
}
