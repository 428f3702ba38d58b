package metrics

import "math"

// Welford holds running statistics using Welford's online algorithm, so mean
// and standard deviation update in O(1) without storing observations.
type Welford struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Resume rebuilds running state from a saved mean and population stddev.
func Resume(mean, stddev float64, count int) Welford {
	if count <= 0 {
		return Welford{}
	}
	return Welford{Count: count, Mean: mean, M2: stddev * stddev * float64(count)}
}

// Update adds one observation.
func (w *Welford) Update(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

// StdDev returns the population standard deviation, 0 below two observations.
func (w Welford) StdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}
