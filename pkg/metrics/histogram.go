package metrics

import (
	"math"
	"sort"
	"sync"
)

// Default bucket layouts.
var (
	// HandshakeBuckets covers tunnel handshake duration in milliseconds.
	HandshakeBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

	// SizeBuckets covers encoded frame size in bytes.
	SizeBuckets = []float64{128, 512, 2048, 8192, 32768, 131072, 524288, 4194304}
)

// Histogram tracks the distribution of observed values over fixed upper
// bounds. Safe for concurrent use.
type Histogram struct {
	mu     sync.RWMutex
	bounds []float64
	counts []uint64 // one per bound plus the +Inf bucket
	sum    float64
	count  uint64
	min    float64
	max    float64
}

// NewHistogram creates a histogram over a sorted copy of bounds.
func NewHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	h := &Histogram{
		bounds: b,
		counts: make([]uint64, len(b)+1),
	}
	h.resetLocked()
	return h
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.count++
	h.min = math.Min(h.min, v)
	h.max = math.Max(h.max, v)
}

// HistogramSummary is a point-in-time view of a histogram.
type HistogramSummary struct {
	Count   uint64        `json:"count"`
	Sum     float64       `json:"sum"`
	Min     float64       `json:"min"`
	Max     float64       `json:"max"`
	Mean    float64       `json:"mean"`
	Buckets []BucketCount `json:"buckets"`
}

// BucketCount is a cumulative count of observations at or below UpperBound.
type BucketCount struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

// Summary returns cumulative bucket counts and basic statistics. The final
// bucket has an infinite upper bound.
func (h *Histogram) Summary() HistogramSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := HistogramSummary{Buckets: make([]BucketCount, 0, len(h.counts))}
	if h.count == 0 {
		return s
	}

	var cum uint64
	for i, c := range h.counts {
		cum += c
		bound := math.Inf(1)
		if i < len(h.bounds) {
			bound = h.bounds[i]
		}
		s.Buckets = append(s.Buckets, BucketCount{UpperBound: bound, Count: cum})
	}
	s.Count = h.count
	s.Sum = h.sum
	s.Min = h.min
	s.Max = h.max
	s.Mean = h.sum / float64(h.count)
	return s
}

// Quantile estimates the q-quantile (0 < q <= 1) by linear interpolation
// inside the bucket that holds it. Values in the +Inf bucket report the
// observed maximum.
func (s HistogramSummary) Quantile(q float64) float64 {
	if s.Count == 0 || len(s.Buckets) == 0 {
		return 0
	}
	rank := q * float64(s.Count)
	var prev uint64
	lower := 0.0
	for _, b := range s.Buckets {
		if float64(b.Count) >= rank {
			if math.IsInf(b.UpperBound, 1) {
				return s.Max
			}
			inBucket := b.Count - prev
			if inBucket == 0 {
				return b.UpperBound
			}
			return lower + (rank-float64(prev))/float64(inBucket)*(b.UpperBound-lower)
		}
		prev = b.Count
		lower = b.UpperBound
	}
	return s.Max
}

// Reset clears all observations.
func (h *Histogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
}

func (h *Histogram) resetLocked() {
	clear(h.counts)
	h.sum = 0
	h.count = 0
	h.min = math.MaxFloat64
	h.max = -math.MaxFloat64
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
