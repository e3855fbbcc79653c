// Package events carries reservation lifecycle notifications to external sinks.
package events

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	TypeCreated   Type = "reservation.created"
	TypeCancelled Type = "reservation.cancelled"
	TypeExpired   Type = "reservation.expired"
)

type Event struct {
	Type          Type      `json:"type"`
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	MedicationID  string    `json:"medication_id"`
	StoreID       string    `json:"store_id"`
	Quantity      int       `json:"quantity"`
	ExpiresAt     time.Time `json:"expires_at"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Sink receives batches of events after the engine has released its lock.
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, []Event) error { return nil }

// Fanout publishes every batch to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
