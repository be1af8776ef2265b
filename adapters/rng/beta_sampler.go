package rng

import (
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// BetaSampler draws Beta variates from a single PCG stream.
// distuv distributions are not safe for concurrent use, so draws are serialized.
type BetaSampler struct {
	mu  sync.Mutex
	src rand.Source
}

// NewBetaSampler returns a sampler seeded with seed. A zero seed means
// time-seeded, non-reproducible draws.
func NewBetaSampler(seed uint64) *BetaSampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &BetaSampler{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

// SampleBeta implements ports.BetaSampler
func (s *BetaSampler) SampleBeta(alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return distuv.Beta{Alpha: alpha, Beta: beta, Src: s.src}.Rand()
}
