package file

import (
	"sync"
	"time"

	"github.com/opd-ai/onionchat/limits"
	"github.com/opd-ai/onionchat/protocol"
)

// RateEstimator averages throughput over a sliding window of one second
// slots. The newest slot is left out of the average until it has been open
// for a full second.
type RateEstimator struct {
	mu           sync.Mutex
	timeProvider protocol.TimeProvider
	slots        [limits.RateWindowSize]uint64
	// slotStart is when the newest slot, slots[len-1], began.
	slotStart time.Time
}

// NewRateEstimator creates an empty estimator. A nil tp uses the system clock.
func NewRateEstimator(tp protocol.TimeProvider) *RateEstimator {
	if tp == nil {
		tp = protocol.DefaultTimeProvider{}
	}
	return &RateEstimator{
		timeProvider: tp,
		slotStart:    tp.Now(),
	}
}

// Add records n transferred bytes.
func (r *RateEstimator) Add(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()
	r.slots[len(r.slots)-1] += n
}

// Rate returns the average in bytes per second.
func (r *RateEstimator) Rate() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotate()

	count := len(r.slots)
	if r.timeProvider.Since(r.slotStart) < time.Second {
		count--
	}
	var sum uint64
	for _, v := range r.slots[:count] {
		sum += v
	}
	return sum / uint64(count)
}

// rotate advances the window by the whole seconds elapsed since the newest
// slot began.
func (r *RateEstimator) rotate() {
	elapsed := r.timeProvider.Since(r.slotStart)
	if elapsed < time.Second {
		return
	}
	steps := int(elapsed / time.Second)
	r.slotStart = r.slotStart.Add(time.Duration(steps) * time.Second)

	if steps >= len(r.slots) {
		r.slots = [limits.RateWindowSize]uint64{}
		return
	}
	copy(r.slots[:], r.slots[steps:])
	for i := len(r.slots) - steps; i < len(r.slots); i++ {
		r.slots[i] = 0
	}
}
