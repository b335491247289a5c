package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type JetStreamConfig struct {
	Stream          string
	SubjectPrefix   string
	DuplicateWindow time.Duration
}

// JetStreamPublisher publishes invalidations to a JetStream stream. The
// mutation id and channel form the Nats-Msg-Id, so redelivered publishes inside
// the stream's duplicate window are dropped by the server.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	cfg    JetStreamConfig
	logger *zap.Logger
}

// NewJetStreamPublisher ensures the stream exists and returns a publisher bound to it.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig, logger *zap.Logger) (*JetStreamPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("jetstream stream name required")
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 2 * time.Minute
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{Subject(cfg.SubjectPrefix, ">")},
		Duplicates: cfg.DuplicateWindow,
		MaxAge:     24 * time.Hour,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return &JetStreamPublisher{js: js, cfg: cfg, logger: logger}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	subject := Subject(p.cfg.SubjectPrefix, msg.Channel)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.MutationID+"|"+msg.Channel))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if ack.Duplicate {
		p.logger.Debug("duplicate invalidation dropped by stream",
			zap.String("subject", subject), zap.String("mutation_id", msg.MutationID))
	}
	return nil
}

// Subscribe attaches a core NATS subscription for channel and hands decoded
// messages to fn through dedupe.
func Subscribe(nc *nats.Conn, prefix, channel string, dedupe *Deduper, fn func(Message)) (*nats.Subscription, error) {
	handler := fn
	if dedupe != nil {
		handler = dedupe.Wrap(fn)
	}
	return nc.Subscribe(Subject(prefix, channel), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		handler(msg)
	})
}
