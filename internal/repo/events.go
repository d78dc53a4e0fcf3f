package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-paygate/internal/events"
)

const eventInsert = `
INSERT INTO order_events (id, order_id, topic, payload)
VALUES ($1, $2, $3, $4)
RETURNING occurred_at;
`

const eventsByOrder = `
SELECT id, order_id, topic, payload, occurred_at
FROM order_events
WHERE order_id = $1
ORDER BY occurred_at, id;
`

// EventStore persists order events (order notes) in Postgres.
type EventStore struct {
	DB DB
}

var _ events.EventStore = EventStore{}

// InsertEvent implements events.EventStore.
func (s EventStore) InsertEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := s.DB.QueryRow(ctx, eventInsert, ev.ID, ev.AggregateID, ev.Topic, []byte(ev.Payload)).Scan(&ev.OccurredAt); err != nil {
		return events.Event{}, fmt.Errorf("repo: insert event %s: %w", ev.Topic, err)
	}
	return ev, nil
}

// List implements events.Lister.
func (s EventStore) List(ctx context.Context, orderID string) ([]events.Event, error) {
	rows, err := s.DB.Query(ctx, eventsByOrder, orderID)
	if err != nil {
		return nil, fmt.Errorf("repo: list events for %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.Topic, &payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("repo: scan event: %w", err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo: list events for %s: %w", orderID, err)
	}
	return out, nil
}
