package events

import (
	"context"
	"errors"
	"fmt"

	qstashx "github.com/tanpawarit/pharmacy-assistant/pkg/qstash"
)

// QStash forwards each event as its own QStash message. The reservation id
// and event type form the deduplication id, so retried batches are not
// delivered twice.
type QStash struct {
	client *qstashx.Client
}

var _ Sink = (*QStash)(nil)

func NewQStash(client *qstashx.Client) *QStash {
	return &QStash{client: client}
}

func (q *QStash) Publish(ctx context.Context, batch []Event) error {
	var errs []error
	for _, ev := range batch {
		_, err := q.client.Publish(ctx, qstashx.Message{
			Body:            ev,
			DeduplicationID: ev.ReservationID + ":" + string(ev.Type),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", ev.Type, ev.ReservationID, err))
		}
	}
	return errors.Join(errs...)
}
