package events

import (
	"context"
	"errors"
	"time"
)

// Why a key stopped being usable
const (
	ReasonExpired = "expired"
	ReasonRevoked = "revoked"
)

// Emitted after a key has been durably deactivated
type KeyDeactivated struct {
	Fingerprint string    `json:"fingerprint"`
	KeyID       string    `json:"key_id,omitempty"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

type Publisher interface {
	PublishDeactivated(ctx context.Context, ev KeyDeactivated) error
	Close() error
}

type Nop struct{}

func (Nop) PublishDeactivated(context.Context, KeyDeactivated) error { return nil }
func (Nop) Close() error                                             { return nil }

// Multi fans an event out to every publisher. One failing sink does not stop the others
type Multi []Publisher

func (m Multi) PublishDeactivated(ctx context.Context, ev KeyDeactivated) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishDeactivated(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
