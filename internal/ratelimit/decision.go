package ratelimit

import (
	"time"

	"github.com/google/uuid"
)

type Reason int

const (
	ReasonNone Reason = iota
	// Unknown, inactive or expired key
	ReasonKeyInvalid
	ReasonConcurrencyExceeded
	ReasonRateExceeded
	// Key references a tier missing from the catalog
	ReasonUnknownTier
	// Key store timed out, failed or is behind an open circuit
	ReasonBackendUnavailable
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonKeyInvalid:
		return "key_invalid"
	case ReasonConcurrencyExceeded:
		return "concurrency_exceeded"
	case ReasonRateExceeded:
		return "rate_exceeded"
	case ReasonUnknownTier:
		return "unknown_tier"
	case ReasonBackendUnavailable:
		return "backend_unavailable"
	default:
		return "unknown"
	}
}

// Transient rejections the caller may retry after RetryAfter
func (r Reason) Retryable() bool {
	switch r {
	case ReasonConcurrencyExceeded, ReasonRateExceeded, ReasonBackendUnavailable:
		return true
	default:
		return false
	}
}

type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration

	KeyID uuid.UUID
	Tier  string
	// Per-minute quota for the path. Remaining counts it together with BurstLimit
	Limit      uint
	BurstLimit uint
	Remaining  uint
	ResetAt    time.Time
	// Admitted from the burst bucket
	Burst bool

	slot Slot
}

// Gives back the concurrency slot held by an allowed decision. Safe to call on
// any decision and more than once.
func (d Decision) Release() {
	if d.slot != nil {
		d.slot.Release()
	}
}
