package ratelimit

import (
	"time"

	"github.com/google/uuid"
)

// Admission windows are fixed, one minute long and aligned to the unix epoch
const Window = time.Minute

// Limits resolved for one (key, path) pair
type LimitConfig struct {
	KeyID              uuid.UUID
	Tier               string
	RequestsPerMinute  uint
	BurstLimit         uint
	ConcurrentRequests uint
	// Expiry of the owning key; the config is never served past it
	ExpiresAt time.Time
}

type AdmitResult struct {
	Admitted bool
	// Admitted from the burst bucket after the window budget ran out
	Burst      bool
	Remaining  uint
	ResetAt    time.Time
	RetryAfter time.Duration
}

func windowStart(now time.Time) time.Time {
	return now.Truncate(Window)
}

// Whole seconds until reset, rounded up, never less than one
func retryAfter(now, reset time.Time) time.Duration {
	secs := (reset.Sub(now) + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

func saturatingSub(a, b uint) uint {
	if b >= a {
		return 0
	}
	return a - b
}

// Two-bucket counter: the window budget first, then the burst bucket.
// Both reset when a request lands in a later window.
type window struct {
	start     time.Time
	used      uint
	burstUsed uint
}

func (w *window) admit(cfg LimitConfig, now time.Time) AdmitResult {
	start := windowStart(now)
	if !w.start.Equal(start) {
		w.start = start
		w.used = 0
		w.burstUsed = 0
	}

	reset := start.Add(Window)
	res := AdmitResult{ResetAt: reset}

	switch {
	case w.used < cfg.RequestsPerMinute:
		w.used++
		res.Admitted = true
	case w.burstUsed < cfg.BurstLimit:
		w.burstUsed++
		res.Admitted = true
		res.Burst = true
	default:
		res.RetryAfter = retryAfter(now, reset)
	}

	res.Remaining = saturatingSub(cfg.RequestsPerMinute, w.used) + saturatingSub(cfg.BurstLimit, w.burstUsed)
	return res
}

func (w *window) expired(now time.Time) bool {
	return !w.start.Add(Window).After(now)
}
