// Package latency keeps rolling statistics over turn timings.
//
// Three series are tracked: the client-observed turn latency (utterance sent
// until the turn completed), the time to the first streamed token, and the
// backend's self-reported processing time. Each keeps the most recent
// samples in a ring buffer from which percentiles and an outlier-filtered
// average are computed on demand.
package latency

import (
	"math"
	"slices"
	"sync"
	"time"
)

// DefaultWindow is the number of samples kept per series.
const DefaultWindow = 100

// Series identifies one latency measurement.
type Series int

const (
	// Turn is utterance sent → turn complete, measured locally.
	Turn Series = iota

	// FirstToken is utterance sent → first bot_token.
	FirstToken

	// Backend is the latency_ms.backend value reported by the backend.
	Backend
)

// String returns the series name used in logs and JSON.
func (s Series) String() string {
	switch s {
	case Turn:
		return "turn"
	case FirstToken:
		return "first_token"
	case Backend:
		return "backend"
	default:
		return "unknown"
	}
}

// Summary describes one series.
type Summary struct {
	Count        int           `json:"count"`
	P50          time.Duration `json:"p50"`
	P95          time.Duration `json:"p95"`
	CleanAverage time.Duration `json:"clean_average"`
	Outliers     int           `json:"outliers"`
}

// Snapshot holds a Summary per series.
type Snapshot struct {
	Turn       Summary `json:"turn"`
	FirstToken Summary `json:"first_token"`
	Backend    Summary `json:"backend"`
}

// Tracker records samples. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	series [3]ring
}

// NewTracker creates a Tracker keeping window samples per series.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	t := &Tracker{}
	for i := range t.series {
		t.series[i] = newRing(window)
	}
	return t
}

// Record adds a sample to s. Negative durations are ignored.
func (t *Tracker) Record(s Series, d time.Duration) {
	if d < 0 || s < Turn || s > Backend {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.series[s].add(d)
}

// Summary returns the statistics for one series.
func (t *Tracker) Summary(s Series) Summary {
	if s < Turn || s > Backend {
		return Summary{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return summarize(t.series[s].values())
}

// Snapshot returns all series.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Turn:       summarize(t.series[Turn].values()),
		FirstToken: summarize(t.series[FirstToken].values()),
		Backend:    summarize(t.series[Backend].values()),
	}
}

// ring is a bounded buffer of duration samples.
type ring struct {
	data []time.Duration
	pos  int
	full bool
}

func newRing(size int) ring {
	return ring{data: make([]time.Duration, size)}
}

func (r *ring) add(d time.Duration) {
	r.data[r.pos] = d
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
}

// values returns a copy of the valid samples, oldest first.
func (r *ring) values() []time.Duration {
	if !r.full {
		return slices.Clone(r.data[:r.pos])
	}
	out := make([]time.Duration, 0, len(r.data))
	out = append(out, r.data[r.pos:]...)
	return append(out, r.data[:r.pos]...)
}

func summarize(samples []time.Duration) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	avg, outliers := CleanAverage(samples)
	slices.Sort(samples)
	return Summary{
		Count:        len(samples),
		P50:          percentile(samples, 0.50),
		P95:          percentile(samples, 0.95),
		CleanAverage: avg,
		Outliers:     outliers,
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// CleanAverage returns the mean of samples after discarding values outside
// [q1 - 1.5·IQR, q3 + 1.5·IQR], and how many were discarded. With fewer than
// four samples it returns the plain mean.
func CleanAverage(samples []time.Duration) (time.Duration, int) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	if n < 4 {
		return mean(samples), 0
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	q1 := float64(sorted[n/4])
	q3 := float64(sorted[3*n/4])
	iqr := q3 - q1
	lower, upper := q1-1.5*iqr, q3+1.5*iqr

	clean := make([]time.Duration, 0, n)
	for _, v := range samples {
		if f := float64(v); f >= lower && f <= upper {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return 0, n
	}
	return mean(clean), n - len(clean)
}

func mean(samples []time.Duration) time.Duration {
	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	return time.Duration(sum / float64(len(samples)))
}
