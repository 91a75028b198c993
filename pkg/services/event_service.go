package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/avitech-ai/aeromind/pkg/events"
)

// EventService reads stored conversation events for WebSocket catch-up.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// CatchupEvents returns stored events on a channel with id > sinceID, oldest
// first, capped at limit.
func (s *EventService) CatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]events.CatchupEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []events.CatchupEvent
	for rows.Next() {
		var evt events.CatchupEvent
		var payload []byte
		if err := rows.Scan(&evt.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}
