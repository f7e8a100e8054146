// Package events publishes batch and withdrawal lifecycle notifications.
// Events carry batch-level figures only; per-user amounts never appear.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/dca-engine/internal/metrics"
)

// Type names an event kind. It doubles as the NATS subject suffix.
type Type string

const (
	IntentSubmitted     Type = "intent.submitted"
	BatchDeclassifying  Type = "batch.declassifying"
	BatchClosed         Type = "batch.closed"
	WithdrawalRequested Type = "withdrawal.requested"
	WithdrawalCompleted Type = "withdrawal.completed"
	WithdrawalCancelled Type = "withdrawal.cancelled"
)

// Event is a JSON notification. Amounts are base-unit decimal strings.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	BatchID      uint64    `json:"batch_id,omitempty"`
	Participants int       `json:"participants,omitempty"`
	Success      *bool     `json:"success,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	TotalIn      string    `json:"total_in,omitempty"`
	TotalOut     string    `json:"total_out,omitempty"`
	Price        string    `json:"price,omitempty"`
	User         string    `json:"user,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	At           time.Time `json:"at"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type) Event {
	return Event{ID: uuid.New().String(), Type: t, At: time.Now().UTC()}
}

// Publisher delivers events. Publishing is best effort: a failing sink
// never rolls back the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers.
type Multi []namedPublisher

type namedPublisher struct {
	name string
	pub  Publisher
}

// NewMulti creates an empty fan-out.
func NewMulti() Multi { return nil }

// With returns m extended by pub. name labels publish error metrics.
func (m Multi) With(name string, pub Publisher) Multi {
	return append(m, namedPublisher{name: name, pub: pub})
}

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, np := range m {
		if err := np.pub.Publish(ctx, e); err != nil {
			metrics.EventPublishErrors.WithLabelValues(np.name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", np.name, err))
		}
	}
	return errors.Join(errs...)
}
