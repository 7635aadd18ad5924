package migration

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backpressure tracks recent migration task failures and adjusts how many
// tenants the dispatcher works on in parallel.
//
// Above the failure threshold the tenant concurrency is halved. With no
// failures it doubles back toward the maximum; with a low failure rate it
// grows by half; close to the threshold it grows by one.
type Backpressure struct {
	max       int32
	min       int32
	threshold float64

	current atomic.Int32

	mu       sync.Mutex
	attempts []attempt
	window   time.Duration
	now      func() time.Time
}

type attempt struct {
	at time.Time
	ok bool
}

// BackpressureConfig configures a Backpressure.
type BackpressureConfig struct {
	// MaxConcurrency is the upper bound of tenants in flight
	MaxConcurrency int

	// MinConcurrency is the lower bound (default: 1)
	MinConcurrency int

	// FailureThreshold is the failure rate above which concurrency backs off
	FailureThreshold float64

	// Window is the sliding window failures are counted over
	Window time.Duration
}

// DefaultBackpressureConfig returns defaults for the given worker count.
func DefaultBackpressureConfig(workers int) BackpressureConfig {
	return BackpressureConfig{
		MaxConcurrency:   workers,
		MinConcurrency:   1,
		FailureThreshold: 0.2,
		Window:           5 * time.Minute,
	}
}

// NewBackpressure creates a controller starting at full concurrency.
func NewBackpressure(cfg BackpressureConfig) *Backpressure {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MinConcurrency > cfg.MaxConcurrency {
		cfg.MinConcurrency = cfg.MaxConcurrency
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.2
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}

	bp := &Backpressure{
		max:       int32(cfg.MaxConcurrency),
		min:       int32(cfg.MinConcurrency),
		threshold: cfg.FailureThreshold,
		window:    cfg.Window,
		now:       time.Now,
	}
	bp.current.Store(bp.max)
	return bp
}

// Record records the result of one task.
func (bp *Backpressure) Record(ok bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.attempts = append(bp.attempts, attempt{at: bp.now(), ok: ok})
}

// FailureRate returns the failure rate within the window.
func (bp *Backpressure) FailureRate() float64 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	rate, _ := bp.rateLocked()
	return rate
}

// rateLocked prunes expired attempts and returns the failure rate and the
// number of attempts left. Caller must hold bp.mu.
func (bp *Backpressure) rateLocked() (float64, int) {
	cutoff := bp.now().Add(-bp.window)
	i := 0
	for i < len(bp.attempts) && bp.attempts[i].at.Before(cutoff) {
		i++
	}
	bp.attempts = bp.attempts[i:]

	if len(bp.attempts) == 0 {
		return 0, 0
	}
	failures := 0
	for _, a := range bp.attempts {
		if !a.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(bp.attempts)), len(bp.attempts)
}

// Adjust recalculates the concurrency. The dispatcher calls it once per poll.
func (bp *Backpressure) Adjust() int {
	bp.mu.Lock()
	rate, n := bp.rateLocked()
	bp.mu.Unlock()

	cur := bp.current.Load()
	next := cur
	switch {
	case rate > bp.threshold:
		next = cur / 2
	case n > 0 && rate == 0:
		next = cur * 2
	case rate < bp.threshold/2:
		delta := cur / 2
		if delta < 1 {
			delta = 1
		}
		next = cur + delta
	case rate < bp.threshold:
		next = cur + 1
	}
	if next < bp.min {
		next = bp.min
	}
	if next > bp.max {
		next = bp.max
	}
	bp.current.Store(next)
	return int(next)
}

// Concurrency returns the current number of tenants allowed in flight.
func (bp *Backpressure) Concurrency() int {
	return int(bp.current.Load())
}
