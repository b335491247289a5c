// Package notify hands invite and role-change notifications to whatever
// delivers them (a mailer, a chat bot). The engine never sends email itself.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ballotline/internal/events"
)

const (
	KindInviteCreated  = "invite.created"
	KindInviteAccepted = "invite.accepted"
	KindRoleAssigned   = "role.assigned"
)

type Notification struct {
	Kind       string         `json:"kind"`
	InstanceID string         `json:"instance_id"`
	ProfileID  string         `json:"profile_id"`
	Email      string         `json:"email,omitempty"`
	Role       string         `json:"role,omitempty"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the log only.
type LogDispatcher struct {
	Logger *zap.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.String("kind", n.Kind),
		zap.String("instance_id", n.InstanceID),
		zap.String("profile_id", n.ProfileID),
		zap.String("role", n.Role),
		zap.Bool("has_email", n.Email != ""))
	return nil
}

// OutboxDispatcher records each notification as a notification.* event so an
// external mailer can tail the event log.
type OutboxDispatcher struct {
	DB     *sql.DB
	Events events.Writer
}

func (d OutboxDispatcher) Dispatch(ctx context.Context, n Notification) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{
		"kind":      n.Kind,
		"profileId": n.ProfileID,
		"role":      n.Role,
	}
	if n.Email != "" {
		payload["email"] = n.Email
	}
	for k, v := range n.Data {
		payload[k] = v
	}
	if _, err := d.Events.Append(ctx, tx, events.Record{
		Type:       "notification." + n.Kind,
		InstanceID: n.InstanceID,
		EntityKind: "notification",
		EntityID:   n.ProfileID,
		ActorID:    n.ActorID,
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("record notification %s: %w", n.Kind, err)
	}
	return tx.Commit()
}

// Multi fans a notification out to every dispatcher and returns the first error.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n Notification) error {
	var first error
	for _, d := range m {
		if err := d.Dispatch(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory keeps dispatched notifications in process.
type Memory struct {
	mu   sync.Mutex
	sent []Notification
}

func (m *Memory) Dispatch(_ context.Context, n Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}
