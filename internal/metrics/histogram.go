package metrics

import (
	"math"
	"sort"
	"sync"
)

// p2Quantile is a single-quantile P-square estimator. It tracks one quantile
// with five markers and constant memory, no sample retention.
type p2Quantile struct {
	q       float64
	heights [5]float64
	pos     [5]float64
	desired [5]float64
	incr    [5]float64
	initial []float64
	full    bool
}

func newP2Quantile(q float64) *p2Quantile {
	p := &p2Quantile{q: q, initial: make([]float64, 0, 5)}
	p.incr = [5]float64{0, q / 2, q, (1 + q) / 2, 1}
	return p
}

func (p *p2Quantile) observe(v float64) {
	if !p.full {
		p.initial = append(p.initial, v)
		if len(p.initial) < 5 {
			return
		}
		sort.Float64s(p.initial)
		copy(p.heights[:], p.initial)
		p.pos = [5]float64{1, 2, 3, 4, 5}
		p.desired = [5]float64{1, 1 + 2*p.q, 1 + 4*p.q, 3 + 2*p.q, 5}
		p.full = true
		p.initial = nil
		return
	}

	var k int
	switch {
	case v < p.heights[0]:
		p.heights[0] = v
		k = 0
	case v >= p.heights[4]:
		p.heights[4] = v
		k = 3
	default:
		for i := 1; i < 5; i++ {
			if v < p.heights[i] {
				k = i - 1
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		p.pos[i]++
	}
	for i := 0; i < 5; i++ {
		p.desired[i] += p.incr[i]
	}

	for i := 1; i < 4; i++ {
		d := p.desired[i] - p.pos[i]
		if (d >= 1 && p.pos[i+1]-p.pos[i] > 1) || (d <= -1 && p.pos[i-1]-p.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			h := p.parabolic(i, sign)
			if p.heights[i-1] < h && h < p.heights[i+1] {
				p.heights[i] = h
			} else {
				p.heights[i] = p.linear(i, sign)
			}
			p.pos[i] += sign
		}
	}
}

func (p *p2Quantile) parabolic(i int, d float64) float64 {
	return p.heights[i] + d/(p.pos[i+1]-p.pos[i-1])*
		((p.pos[i]-p.pos[i-1]+d)*(p.heights[i+1]-p.heights[i])/(p.pos[i+1]-p.pos[i])+
			(p.pos[i+1]-p.pos[i]-d)*(p.heights[i]-p.heights[i-1])/(p.pos[i]-p.pos[i-1]))
}

func (p *p2Quantile) linear(i int, d float64) float64 {
	di := int(d)
	return p.heights[i] + d*(p.heights[i+di]-p.heights[i])/(p.pos[i+di]-p.pos[i])
}

func (p *p2Quantile) value() float64 {
	if p.full {
		return p.heights[2]
	}
	n := len(p.initial)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, p.initial)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p.q*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Histogram tracks count/min/max/avg plus streaming p50/p95/p99 estimates.
type Histogram struct {
	mu    sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
	p50   *p2Quantile
	p95   *p2Quantile
	p99   *p2Quantile
}

// NewHistogram creates an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{
		p50: newP2Quantile(0.50),
		p95: newP2Quantile(0.95),
		p99: newP2Quantile(0.99),
	}
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.count++
	h.sum += v
	h.p50.observe(v)
	h.p95.observe(v)
	h.p99.observe(v)
}

// HistogramStats is a point-in-time summary of a histogram.
type HistogramStats struct {
	Count int64
	Min   float64
	Max   float64
	Avg   float64
	P50   float64
	P95   float64
	P99   float64
}

// Stats returns the current summary.
func (h *Histogram) Stats() HistogramStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HistogramStats{Count: h.count, Min: h.min, Max: h.max}
	if h.count > 0 {
		s.Avg = h.sum / float64(h.count)
	}
	s.P50 = h.p50.value()
	s.P95 = h.p95.value()
	s.P99 = h.p99.value()
	return s
}
