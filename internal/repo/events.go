package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ballotline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(instance_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(mutation_id,''),payload_json`

type EventFilters struct {
	InstanceID string
	Type       string
	EntityKind string
	EntityID   string
	// Before pages backwards from an event id (exclusive).
	Before int64
	Limit  int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.InstanceID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.MutationID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertEvent appends to the event log and returns the new row id.
func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO events(ts,type,instance_id,entity_kind,entity_id,actor_id,mutation_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.TS, e.Type, nullable(e.InstanceID), e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.MutationID), e.Payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertOutbox queues an invalidation for eventID on channel. Re-queuing the
// same (mutation, channel) pair is a no-op.
func (r Repo) InsertOutbox(ctx context.Context, tx *sql.Tx, eventID int64, channel, mutationID, createdAt string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO outbox(event_id,channel,mutation_id,created_at) VALUES (?,?,?,?)`,
		eventID, channel, mutationID, createdAt)
	return err
}

const outboxQuery = `SELECT o.id,o.event_id,e.type,COALESCE(e.instance_id,''),o.channel,o.mutation_id,e.payload_json,o.created_at,o.published_at,o.attempts
FROM outbox o JOIN events e ON e.id=o.event_id`

// PendingOutbox returns unpublished invalidations, oldest first.
func (r Repo) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryOutbox(ctx, outboxQuery+` WHERE o.published_at IS NULL ORDER BY o.id ASC LIMIT ?`, limit)
}

// OutboxForMutation lists every channel row queued for a mutation.
func (r Repo) OutboxForMutation(ctx context.Context, mutationID string) ([]domain.OutboxEntry, error) {
	return r.queryOutbox(ctx, outboxQuery+` WHERE o.mutation_id=? ORDER BY o.id ASC`, mutationID)
}

func (r Repo) queryOutbox(ctx context.Context, query string, args ...any) ([]domain.OutboxEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEntry
	for rows.Next() {
		var (
			o         domain.OutboxEntry
			published sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.EventID, &o.EventType, &o.InstanceID, &o.Channel, &o.MutationID, &o.Payload, &o.CreatedAt, &published, &o.Attempts); err != nil {
			return nil, err
		}
		if published.Valid {
			o.PublishedAt = &published.String
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) MarkOutboxPublished(ctx context.Context, id int64, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET published_at=?, attempts=attempts+1 WHERE id=? AND published_at IS NULL`, ts, id)
	return err
}

func (r Repo) MarkOutboxFailed(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=?`, id)
	return err
}
