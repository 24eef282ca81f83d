// Package swarm runs partition fetches concurrently against rate-limited
// collector APIs, adapting the worker count to observed throttling.
package swarm

import (
	"errors"
	"sync"
	"time"
)

// ErrThrottled marks a task failure caused by upstream rate limiting.
// Wrap it so the controller backs off instead of retrying at full speed.
var ErrThrottled = errors.New("upstream throttled")

// AIMD is an additive-increase multiplicative-decrease concurrency
// controller. Throttling halves the worker target, sustained healthy
// latency grows it linearly.
type AIMD struct {
	mu          sync.Mutex
	concurrency int
	minWorkers  int
	maxWorkers  int
	lastChange  time.Time
}

func NewAIMD(start, min, max int) *AIMD {
	return &AIMD{
		concurrency: start,
		minWorkers:  min,
		maxWorkers:  max,
		lastChange:  time.Now(),
	}
}

func (a *AIMD) GetConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.concurrency
}

func (a *AIMD) Feedback(lat time.Duration, throttled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	// dampen oscillation
	if now.Sub(a.lastChange) < 100*time.Millisecond {
		return
	}

	if throttled {
		a.concurrency = a.concurrency / 2
		if a.concurrency < a.minWorkers {
			a.concurrency = a.minWorkers
		}
		a.lastChange = now
		return
	}

	if lat < 100*time.Millisecond {
		a.concurrency += 5
		if a.concurrency > a.maxWorkers {
			a.concurrency = a.maxWorkers
		}
		a.lastChange = now
	}
}
