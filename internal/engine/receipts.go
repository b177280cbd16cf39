package engine

import (
	"math/rand/v2"
	"sync"
)

// SimulatedReceipts estimates delivered/opened/clicked counts from fixed
// ratio ranges. The channel reports no receipts yet, so these numbers are a
// placeholder and must not be treated as real telemetry.
type SimulatedReceipts struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

const (
	deliveredMin, deliveredMax = 0.95, 0.99
	openedMin, openedMax       = 0.60, 0.80
	clickedMin, clickedMax     = 0.10, 0.30
)

func NewSimulatedReceipts(seed uint64) *SimulatedReceipts {
	return &SimulatedReceipts{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Estimate derives each count from the previous one, so
// clicked <= opened <= delivered <= sent always holds.
func (s *SimulatedReceipts) Estimate(sent int) (delivered, opened, clicked int) {
	if sent <= 0 {
		return 0, 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered = scale(sent, s.between(deliveredMin, deliveredMax))
	opened = scale(delivered, s.between(openedMin, openedMax))
	clicked = scale(opened, s.between(clickedMin, clickedMax))
	return delivered, opened, clicked
}

func (s *SimulatedReceipts) between(lo, hi float64) float64 {
	return lo + s.rnd.Float64()*(hi-lo)
}

func scale(n int, ratio float64) int {
	return int(float64(n) * ratio)
}
