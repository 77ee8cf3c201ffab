package stream

import (
	"runtime"
	"sync"
	"time"
)

// Metrics is one point-in-time snapshot of a processor. A record is
// counted exactly once across processed, errored and dropped: errored
// means the record's batch failed after its whole retry budget, not
// per attempt.
type Metrics struct {
	Timestamp           time.Time `json:"timestamp"`
	RecordsProcessed    int64     `json:"records_processed"`
	RecordsDropped      int64     `json:"records_dropped"`
	RecordsBuffered     int64     `json:"records_buffered"`
	RecordsErrored      int64     `json:"records_errored"`
	AvgProcessingTimeMs float64   `json:"avg_processing_time_ms"`
	BufferUtilisation   float64   `json:"buffer_utilisation"`
	ThroughputPerSecond float64   `json:"throughput_per_second"`
	ErrorRate           float64   `json:"error_rate"`
	BackpressureEvents  int64     `json:"backpressure_events"`
	MemoryMB            float64   `json:"memory_mb"`
	CPUPct              float64   `json:"cpu_pct"`
}

const (
	latencyWindow = 100
	historyLimit  = 1000
)

// collector accumulates processor counters and a bounded metrics
// history.
type collector struct {
	mu sync.Mutex

	processed    int64
	dropped      int64
	errored      int64
	backpressure int64

	latencies [latencyWindow]float64
	latCount  int
	latNext   int

	windowStart     time.Time
	windowProcessed int64
	lastThroughput  float64

	history []Metrics
}

func newCollector() *collector {
	return &collector{windowStart: time.Now()}
}

// recordBatch tracks one handler attempt. Failed attempts only feed
// the latency window; their records are counted by recordErrored once
// the retry budget runs out, or as processed when a retry succeeds.
func (c *collector) recordBatch(n int, latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !failed {
		c.processed += int64(n)
		c.windowProcessed += int64(n)
	}

	c.latencies[c.latNext] = float64(latency.Milliseconds())
	c.latNext = (c.latNext + 1) % latencyWindow
	if c.latCount < latencyWindow {
		c.latCount++
	}
}

// recordErrored counts records whose batch failed for good.
func (c *collector) recordErrored(n int) {
	c.mu.Lock()
	c.errored += int64(n)
	c.mu.Unlock()
}

func (c *collector) recordDrop() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func (c *collector) recordBackpressure() {
	c.mu.Lock()
	c.backpressure++
	c.mu.Unlock()
}

// snapshot builds a metrics point. buffered and utilisation come from
// the processor's input queue.
func (c *collector) snapshot(buffered int64, utilisation float64) Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg float64
	if c.latCount > 0 {
		sum := 0.0
		for i := 0; i < c.latCount; i++ {
			sum += c.latencies[i]
		}
		avg = sum / float64(c.latCount)
	}

	now := time.Now()
	if elapsed := now.Sub(c.windowStart).Seconds(); elapsed >= 1 {
		c.lastThroughput = float64(c.windowProcessed) / elapsed
		c.windowProcessed = 0
		c.windowStart = now
	}

	total := c.processed + c.errored
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(c.errored) / float64(total)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Metrics{
		Timestamp:           now,
		RecordsProcessed:    c.processed,
		RecordsDropped:      c.dropped,
		RecordsBuffered:     buffered,
		RecordsErrored:      c.errored,
		AvgProcessingTimeMs: avg,
		BufferUtilisation:   utilisation,
		ThroughputPerSecond: c.lastThroughput,
		ErrorRate:           errorRate,
		BackpressureEvents:  c.backpressure,
		MemoryMB:            float64(mem.HeapAlloc) / (1 << 20),
		CPUPct:              float64(runtime.NumGoroutine()) / float64(runtime.NumCPU()),
	}
}

// heapMB reports the current heap size, an input to the load metric.
func heapMB() float64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return float64(mem.HeapAlloc) / (1 << 20)
}

func (c *collector) appendHistory(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
}

func (c *collector) historyCopy() []Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Metrics, len(c.history))
	copy(out, c.history)
	return out
}
