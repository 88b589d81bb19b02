package fedlearn

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// LRMultiplier returns max(1, ln(meanStaleness)). It is 1 for a client with
// no recorded staleness and never decreases as staleness grows.
func LRMultiplier(meanStaleness float64) float64 {
	if meanStaleness <= 0 || math.IsNaN(meanStaleness) {
		return 1
	}
	return math.Max(1, math.Log(meanStaleness))
}

// StalenessTracker records, for every client, how many iterations passed
// between consecutive contributions.
type StalenessTracker struct {
	iter  int
	costs map[int][]float64
	last  map[int]int
}

func NewStalenessTracker() *StalenessTracker {
	return &StalenessTracker{costs: map[int][]float64{}, last: map[int]int{}}
}

// Advance starts a new iteration in which the given clients contribute.
func (s *StalenessTracker) Advance(active []int) {
	s.iter++
	for _, c := range active {
		s.costs[c] = append(s.costs[c], float64(s.iter-s.last[c]))
		s.last[c] = s.iter
	}
}

// Iteration returns the number of iterations started so far.
func (s *StalenessTracker) Iteration() int { return s.iter }

// Costs returns a copy of the staleness history of a client.
func (s *StalenessTracker) Costs(client int) []float64 {
	return append([]float64(nil), s.costs[client]...)
}

// Mean returns the mean staleness of a client and false when it has none.
func (s *StalenessTracker) Mean(client int) (float64, bool) {
	c := s.costs[client]
	if len(c) == 0 {
		return 0, false
	}
	return stat.Mean(c, nil), true
}

// Multiplier is LRMultiplier applied to the client's mean staleness.
func (s *StalenessTracker) Multiplier(client int) float64 {
	m, ok := s.Mean(client)
	if !ok {
		return 1
	}
	return LRMultiplier(m)
}

// Clone returns an independent copy.
func (s *StalenessTracker) Clone() *StalenessTracker {
	out := NewStalenessTracker()
	out.iter = s.iter
	for c, v := range s.costs {
		out.costs[c] = append([]float64(nil), v...)
	}
	for c, v := range s.last {
		out.last[c] = v
	}
	return out
}
