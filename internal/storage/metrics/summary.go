package metrics

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Summary maintains running statistics and quantiles over a stream of
// observations, such as rollup durations in milliseconds.
type Summary struct {
	mu sync.Mutex

	accuracy float64

	count int64
	sum   float64
	min   float64
	max   float64

	// DDSketch for quantiles (nil if it could not be created)
	sketch *ddsketch.DDSketch
}

// SummaryResult is a snapshot of a Summary.
type SummaryResult struct {
	Count int64
	Sum   float64
	Avg   float64
	Min   float64
	Max   float64
	P50   float64
	P90   float64
	P99   float64
}

// NewSummary creates a summary whose quantiles have the given relative
// accuracy (0.01 = 1% error).
func NewSummary(accuracy float64) *Summary {
	s := &Summary{accuracy: accuracy}
	s.reset()
	return s
}

// Observe adds a value. Negative values are ignored by the sketch.
func (s *Summary) Observe(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += value

	if value < s.min {
		s.min = value
	}
	if value > s.max {
		s.max = value
	}

	if s.sketch != nil && value >= 0 {
		s.sketch.Add(value)
	}
}

// Count returns the number of observations.
func (s *Summary) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Result returns the current statistics.
func (s *Summary) Result() SummaryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := SummaryResult{Count: s.count, Sum: s.sum}
	if s.count == 0 {
		return r
	}

	r.Avg = s.sum / float64(s.count)
	r.Min = s.min
	r.Max = s.max

	if s.sketch != nil && !s.sketch.IsEmpty() {
		r.P50, _ = s.sketch.GetValueAtQuantile(0.50)
		r.P90, _ = s.sketch.GetValueAtQuantile(0.90)
		r.P99, _ = s.sketch.GetValueAtQuantile(0.99)
	}
	return r
}

// Merge combines other into s.
func (s *Summary) Merge(other *Summary) {
	if other == nil || other == s {
		return
	}

	other.mu.Lock()
	count, sum, lo, hi := other.count, other.sum, other.min, other.max
	var sketch *ddsketch.DDSketch
	if other.sketch != nil {
		sketch = other.sketch.Copy()
	}
	other.mu.Unlock()

	if count == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.count += count
	s.sum += sum
	if lo < s.min {
		s.min = lo
	}
	if hi > s.max {
		s.max = hi
	}
	if s.sketch != nil && sketch != nil {
		s.sketch.MergeWith(sketch)
	}
}

// Reset clears all observations.
func (s *Summary) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Summary) reset() {
	s.count = 0
	s.sum = 0
	s.min = math.MaxFloat64
	s.max = -math.MaxFloat64

	// DDSketch has no Clear; start a fresh one
	sketch, err := ddsketch.NewDefaultDDSketch(s.accuracy)
	if err != nil {
		log.Warn("sketch disabled", "accuracy", s.accuracy, "error", err)
		sketch = nil
	}
	s.sketch = sketch
}
