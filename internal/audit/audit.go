// Package audit records every payment decision and payment request.
package audit

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// Kind classifies an audit event.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindPaymentRequest Kind = "payment_request"
)

// Event is one audited decision. Reason is the internal failure class and is
// never shown to clients.
type Event struct {
	Time     time.Time `json:"time"`
	Kind     Kind      `json:"kind"`
	Path     string    `json:"path"`
	WalletID string    `json:"wallet_id,omitempty"`
	Amount   string    `json:"amount,omitempty"`
	Allowed  bool      `json:"allowed"`
	DryRun   bool      `json:"dry_run,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	ClientIP string    `json:"client_ip,omitempty"`
}

// Sink receives audit events. Implementations log their own failures;
// recording never affects the decision being audited.
type Sink interface {
	Record(ctx context.Context, e Event)
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
func (Nop) Close() error                  { return nil }

// Multi fans each event out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Event) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}

func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
