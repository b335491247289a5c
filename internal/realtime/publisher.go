package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// Message is the wire form of one invalidation.
type Message struct {
	Channel    string          `json:"channel"`
	MutationID string          `json:"mutation_id"`
	EventType  string          `json:"event_type,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// NopPublisher drops every message. Outbox rows still get marked published.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }

// MemoryBus delivers messages to in-process subscribers synchronously.
type MemoryBus struct {
	mu        sync.Mutex
	subs      map[string]map[int]func(Message)
	nextID    int
	published []Message
	failWith  error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string]map[int]func(Message){}}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	if b.failWith != nil {
		err := b.failWith
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, msg)
	handlers := make([]func(Message), 0, len(b.subs[msg.Channel]))
	for _, h := range b.subs[msg.Channel] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers fn for channel and returns a func that removes it.
func (b *MemoryBus) Subscribe(channel string, fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = map[int]func(Message){}
	}
	id := b.nextID
	b.nextID++
	b.subs[channel][id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs[channel], id)
		b.mu.Unlock()
	}
}

// Published returns a copy of every message accepted so far.
func (b *MemoryBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// FailWith makes Publish return err until called again with nil.
func (b *MemoryBus) FailWith(err error) {
	b.mu.Lock()
	b.failWith = err
	b.mu.Unlock()
}
