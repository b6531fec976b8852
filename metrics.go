package main

import (
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// The four spec-mandated series. Names and shapes (gauge vs counter) are
// exactly bitmap_clients/bitmap_peak_clients/bitmap_checked_bits/
// bitmap_bit_toggles, per spec.
var (
	metricClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmap_clients",
		Help: "Current number of connected clients.",
	})
	metricPeakClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitmap_peak_clients",
		Help: "High-watermark of connected clients since process start.",
	})
	metricCheckedBits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmap_checked_bits",
		Help: "Population count of the bitmap (number of set bits).",
	})
	metricBitToggles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitmap_bit_toggles",
		Help: "Total number of toggle operations applied to the bitmap.",
	})
)

// Ambient system metrics, distinct name prefix so they are never mistaken
// for the four series above.
var (
	sysGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmapd_goroutines",
		Help: "Current number of goroutines.",
	})
	sysMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmapd_memory_bytes",
		Help: "Current process RSS, as reported by the OS (falls back to Go heap alloc if unavailable).",
	})
	sysCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmapd_cpu_percent",
		Help: "Process CPU usage percent, sampled once per metrics interval.",
	})
	sysReplicationConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitmapd_replication_connected",
		Help: "Whether the replication bridge is connected to NATS (1) or not (0).",
	})
	sysReplicationDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitmapd_replication_dropped_total",
		Help: "Total replication messages dropped (replication queue full or NATS publish error).",
	})
)

func init() {
	prometheus.MustRegister(metricClients)
	prometheus.MustRegister(metricPeakClients)
	prometheus.MustRegister(metricCheckedBits)
	prometheus.MustRegister(metricBitToggles)

	prometheus.MustRegister(sysGoroutines)
	prometheus.MustRegister(sysMemoryBytes)
	prometheus.MustRegister(sysCPUPercent)
	prometheus.MustRegister(sysReplicationConnected)
	prometheus.MustRegister(sysReplicationDropped)
}

// Metrics holds the atomic counters backing the Prometheus series and the
// persisted metrics.json snapshot. clients is always live; peakClients,
// checkedBits, and bitToggles are the three fields persisted to disk.
type Metrics struct {
	clients     int64
	peakClients int64
	checkedBits int64
	bitToggles  uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncClients increments the live client count and updates the peak if the
// new count is a new high.
func (m *Metrics) IncClients() {
	n := atomic.AddInt64(&m.clients, 1)
	metricClients.Set(float64(n))
	for {
		peak := atomic.LoadInt64(&m.peakClients)
		if n <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&m.peakClients, peak, n) {
			metricPeakClients.Add(float64(n - peak))
			break
		}
	}
}

// DecClients decrements the live client count.
func (m *Metrics) DecClients() {
	n := atomic.AddInt64(&m.clients, -1)
	metricClients.Set(float64(n))
}

// AddCheckedBits adds a signed population-count delta.
func (m *Metrics) AddCheckedBits(delta int) {
	n := atomic.AddInt64(&m.checkedBits, int64(delta))
	metricCheckedBits.Set(float64(n))
}

// SetCheckedBits sets the population count directly (used once at startup
// after computing the full popcount of a loaded snapshot).
func (m *Metrics) SetCheckedBits(n uint64) {
	atomic.StoreInt64(&m.checkedBits, int64(n))
	metricCheckedBits.Set(float64(n))
}

// IncBitToggles increments the monotonic toggle counter.
func (m *Metrics) IncBitToggles() {
	atomic.AddUint64(&m.bitToggles, 1)
	metricBitToggles.Inc()
}

func (m *Metrics) CurrentClients() uint32 { return uint32(atomic.LoadInt64(&m.clients)) }

// snapshot is the JSON-serializable form persisted to metrics.json. clients
// is deliberately absent: it is live-only state, never persisted.
type metricsSnapshot struct {
	PeakClients uint32 `json:"peak_clients"`
	CheckedBits uint32 `json:"checked_bits"`
	BitToggles  uint64 `json:"bit_toggles"`
}

func (m *Metrics) toSnapshot() metricsSnapshot {
	return metricsSnapshot{
		PeakClients: uint32(atomic.LoadInt64(&m.peakClients)),
		CheckedBits: uint32(atomic.LoadInt64(&m.checkedBits)),
		BitToggles:  atomic.LoadUint64(&m.bitToggles),
	}
}

func (m *Metrics) loadSnapshot(s metricsSnapshot) {
	atomic.StoreInt64(&m.peakClients, int64(s.PeakClients))
	atomic.StoreInt64(&m.checkedBits, int64(s.CheckedBits))
	atomic.StoreUint64(&m.bitToggles, s.BitToggles)
	metricPeakClients.Add(float64(s.PeakClients))
	metricCheckedBits.Set(float64(s.CheckedBits))
	metricBitToggles.Add(float64(s.BitToggles))
}

// SystemSampler periodically refreshes the ambient gauges. It has no
// correctness role in the spec's core invariants — purely operational
// visibility.
type SystemSampler struct {
	interval time.Duration
	stop     chan struct{}
	proc     *process.Process
}

func NewSystemSampler(interval time.Duration) *SystemSampler {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &SystemSampler{interval: interval, stop: make(chan struct{}), proc: proc}
}

func (s *SystemSampler) Start() {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sample()
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *SystemSampler) Stop() { close(s.stop) }

func (s *SystemSampler) sample() {
	sysGoroutines.Set(float64(runtime.NumGoroutine()))

	if s.proc != nil {
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			sysMemoryBytes.Set(float64(memInfo.RSS))
		}
		if cpuPercent, err := s.proc.CPUPercent(); err == nil {
			sysCPUPercent.Set(cpuPercent)
		}
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	sysMemoryBytes.Set(float64(mem.Alloc))
}

// handleMetrics serves the Prometheus text exposition format at /metrics.
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
