package realtime

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDedupeWindow = 4096

// Deduper remembers the most recent mutation ids a subscriber has handled.
// Each subscriber owns one; it is safe for concurrent use.
type Deduper struct {
	seen *lru.Cache[string, struct{}]
}

// NewDeduper keeps up to size ids. size <= 0 uses a default window.
func NewDeduper(size int) *Deduper {
	if size <= 0 {
		size = defaultDedupeWindow
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Deduper{seen: cache}
}

// Seen records id and reports whether it had been recorded before.
func (d *Deduper) Seen(id string) bool {
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return found
}

// Wrap returns a handler that calls fn at most once per mutation id. Messages
// without an id are passed through.
func (d *Deduper) Wrap(fn func(Message)) func(Message) {
	return func(msg Message) {
		if msg.MutationID != "" && d.Seen(msg.MutationID) {
			return
		}
		fn(msg)
	}
}
