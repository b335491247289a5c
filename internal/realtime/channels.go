// Package realtime names invalidation channels, publishes "something changed"
// messages and deduplicates them on the consumer side. Delivery is
// at-least-once; every logical mutation carries one mutation id that all of
// its deliveries share.
package realtime

import (
	"strings"

	"github.com/google/uuid"
)

// GlobalChannel carries instance-list level changes.
const GlobalChannel = "global"

func InstanceChannel(instanceID string) string {
	return "instance:" + instanceID
}

func InstanceProposalsChannel(instanceID string) string {
	return InstanceChannel(instanceID) + ":proposals"
}

func InstanceResultsChannel(instanceID string) string {
	return InstanceChannel(instanceID) + ":results"
}

// Subject maps a channel to a NATS subject under prefix.
func Subject(prefix, channel string) string {
	s := strings.ReplaceAll(channel, ":", ".")
	if prefix == "" {
		return s
	}
	return strings.TrimSuffix(prefix, ".") + "." + s
}

// NewMutationID returns a fresh id for one logical mutation. Retries of the
// same mutation must reuse the id they were first given.
func NewMutationID() string {
	return uuid.NewString()
}
