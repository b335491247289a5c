package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"ballotline/internal/domain"
	"ballotline/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
)

// Relay moves queued outbox rows onto the bus. Rows stay pending until a
// publish succeeds, so a bus outage delays invalidations without losing them.
type Relay struct {
	Repo      repo.Repo
	Publisher Publisher
	Logger    *zap.Logger
	Interval  time.Duration
	Batch     int
	Now       func() time.Time
	// OnPublish observes each delivered message; used for metrics.
	OnPublish func(msg Message, err error)
}

func (r Relay) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Run flushes on every interval until ctx is done.
func (r Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger().Warn("relay flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of pending rows and returns how many went out. It
// stops at the first publish failure so ordering per row id is kept.
func (r Relay) Flush(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	pending, err := r.Repo.PendingOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, entry := range pending {
		if err := r.deliver(ctx, entry); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// PublishMutation delivers every pending row of one mutation right away. The
// engine calls it after commit; failures are left for the background flush.
func (r Relay) PublishMutation(ctx context.Context, mutationID string) {
	if mutationID == "" {
		return
	}
	entries, err := r.Repo.OutboxForMutation(ctx, mutationID)
	if err != nil {
		r.logger().Warn("load outbox for mutation", zap.String("mutation_id", mutationID), zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.PublishedAt != nil {
			continue
		}
		if err := r.deliver(ctx, entry); err != nil {
			r.logger().Warn("eager publish failed; relay will retry",
				zap.String("mutation_id", mutationID), zap.String("channel", entry.Channel), zap.Error(err))
			return
		}
	}
}

func (r Relay) deliver(ctx context.Context, entry domain.OutboxEntry) error {
	msg := Message{
		Channel:    entry.Channel,
		MutationID: entry.MutationID,
		EventType:  entry.EventType,
		InstanceID: entry.InstanceID,
	}
	if json.Valid([]byte(entry.Payload)) {
		msg.Payload = json.RawMessage(entry.Payload)
	}
	pub := r.Publisher
	if pub == nil {
		pub = NopPublisher{}
	}
	err := pub.Publish(ctx, msg)
	if r.OnPublish != nil {
		r.OnPublish(msg, err)
	}
	if err != nil {
		if markErr := r.Repo.MarkOutboxFailed(ctx, entry.ID); markErr != nil {
			r.logger().Warn("record outbox failure", zap.Int64("outbox_id", entry.ID), zap.Error(markErr))
		}
		return err
	}
	return r.Repo.MarkOutboxPublished(ctx, entry.ID, r.now().UTC().Format(time.RFC3339))
}
