package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ballotline/internal/domain"
	"ballotline/internal/repo"
)

// Writer appends events and queues their invalidations within the caller's transaction.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

// Record describes one logical mutation. Channels may be empty for audit-only events.
type Record struct {
	Type       string
	InstanceID string
	EntityKind string
	EntityID   string
	ActorID    string
	MutationID string
	Channels   []string
	Payload    EventPayload
}

// Append writes the event row and one outbox row per channel, all sharing rec.MutationID.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if len(rec.Channels) > 0 && rec.MutationID == "" {
		return domain.Event{}, fmt.Errorf("event %s: mutation id required for broadcast", rec.Type)
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         ts,
		Type:       rec.Type,
		InstanceID: rec.InstanceID,
		EntityKind: rec.EntityKind,
		EntityID:   rec.EntityID,
		ActorID:    rec.ActorID,
		MutationID: rec.MutationID,
		Payload:    string(data),
	}
	id, err := w.Repo.InsertEvent(ctx, tx, evt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event %s: %w", rec.Type, err)
	}
	evt.ID = id
	for _, ch := range rec.Channels {
		if err := w.Repo.InsertOutbox(ctx, tx, id, ch, rec.MutationID, ts); err != nil {
			return domain.Event{}, fmt.Errorf("queue invalidation on %s: %w", ch, err)
		}
	}
	return evt, nil
}
