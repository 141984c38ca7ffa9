package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultLatencyWindow is how many recent samples each latency keeps.
const DefaultLatencyWindow = 512

const (
	backendConnectTargetP95MS = 800
	firstAudioTargetP95MS     = 1200
)

// LatencyStats summarises one latency over the window. Quantiles are nearest-rank.
type LatencyStats struct {
	Samples      int     `json:"samples"`
	LastMS       float64 `json:"lastMs"`
	MeanMS       float64 `json:"meanMs"`
	P50MS        float64 `json:"p50Ms"`
	P95MS        float64 `json:"p95Ms"`
	P99MS        float64 `json:"p99Ms"`
	TargetP95MS  float64 `json:"targetP95Ms"`
	WithinTarget bool    `json:"withinTarget"`
}

// LatencySnapshot is served by /api/perf/latency.
type LatencySnapshot struct {
	GeneratedAt    time.Time      `json:"generatedAt"`
	WindowSize     int            `json:"windowSize"`
	BackendConnect LatencyStats   `json:"backendConnect"`
	FirstAudio     LatencyStats   `json:"firstAudio"`
	DialFailures   map[string]int `json:"dialFailures,omitempty"`
}

// samples is a fixed-size ring of millisecond observations.
type samples struct {
	values []float64
	count  int
}

func (s *samples) add(ms float64) {
	s.values[s.count%len(s.values)] = ms
	s.count++
}

func (s *samples) stats(target float64) LatencyStats {
	n := min(s.count, len(s.values))
	out := LatencyStats{Samples: n, TargetP95MS: target}
	if n == 0 {
		return out
	}
	out.LastMS = s.values[(s.count-1)%len(s.values)]

	sorted := append([]float64(nil), s.values[:n]...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	out.MeanMS = math.Round(sum/float64(n)*100) / 100
	out.P50MS = nearestRank(sorted, 0.50)
	out.P95MS = nearestRank(sorted, 0.95)
	out.P99MS = nearestRank(sorted, 0.99)
	out.WithinTarget = out.P95MS <= target
	return out
}

func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

// latencyWindow holds the backend connect and first-audio latencies plus a count of
// failed dials by failure class.
type latencyWindow struct {
	mu           sync.Mutex
	size         int
	connect      samples
	firstAudio   samples
	dialFailures map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = DefaultLatencyWindow
	}
	return &latencyWindow{
		size:         size,
		connect:      samples{values: make([]float64, size)},
		firstAudio:   samples{values: make([]float64, size)},
		dialFailures: make(map[string]int),
	}
}

func (w *latencyWindow) observeConnect(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connect.add(ms)
}

func (w *latencyWindow) observeFirstAudio(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.firstAudio.add(ms)
}

func (w *latencyWindow) observeDialFailure(class string) {
	if class == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dialFailures[class]++
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt:    time.Now().UTC(),
		WindowSize:     w.size,
		BackendConnect: w.connect.stats(backendConnectTargetP95MS),
		FirstAudio:     w.firstAudio.stats(firstAudioTargetP95MS),
	}
	if len(w.dialFailures) > 0 {
		snap.DialFailures = make(map[string]int, len(w.dialFailures))
		for k, v := range w.dialFailures {
			snap.DialFailures[k] = v
		}
	}
	return snap
}
