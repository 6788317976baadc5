package backend

import (
	"sync"
	"time"
)

// recoveryState tracks one backend's restart backoff and circuit breaker.
// The backoff schedule (initial 1s, doubled per failure, capped at 60s)
// comes from §4.3. The circuit breaker (threshold 5 consecutive failures,
// 300s reset window) is an addition so a backend that is simply gone does
// not get restarted every 60 seconds forever.
type recoveryState struct {
	mu sync.Mutex

	backoff     time.Duration
	consecutive int

	breakerOpenSince time.Time
}

const (
	initialBackoff     = time.Second
	maxBackoff         = 60 * time.Second
	breakerThreshold   = 5
	breakerResetPeriod = 300 * time.Second
)

func newRecoveryState() *recoveryState {
	return &recoveryState{backoff: initialBackoff}
}

// nextBackoff returns the delay before the next restart attempt and
// doubles the schedule for the attempt after that.
func (r *recoveryState) nextBackoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.backoff
	r.backoff *= 2
	if r.backoff > maxBackoff {
		r.backoff = maxBackoff
	}
	return d
}

// recordFailureAndCheckBreaker increments the consecutive-failure count and
// reports whether the breaker is now open (or already was).
func (r *recoveryState) recordFailureAndCheckBreaker() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive++
	if r.consecutive >= breakerThreshold && r.breakerOpenSince.IsZero() {
		r.breakerOpenSince = time.Now()
	}
	return !r.breakerOpenSince.IsZero()
}

func (r *recoveryState) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
	r.backoff = initialBackoff
	r.breakerOpenSince = time.Time{}
}

func (r *recoveryState) breakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.breakerOpenSince.IsZero()
}

func (r *recoveryState) breakerResetWindow() time.Duration {
	return breakerResetPeriod
}

func (r *recoveryState) resetBreaker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive = 0
	r.breakerOpenSince = time.Time{}
	r.backoff = initialBackoff
}
