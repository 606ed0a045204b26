// Package pubsub provides the named-channel message bus and the short-TTL
// key registry the run supervisor uses for cross-instance signalling.
//
// Pub/sub here is a low-latency notification layer, not a durable log: the
// source of truth for late subscribers is the in-memory event buffer during
// a run and the persisted responses array afterwards.
package pubsub

import (
	"context"
	"time"
)

// Subscription is a live channel subscription. Close is idempotent.
type Subscription interface {
	// C returns the receive channel. It is closed when the subscription ends.
	C() <-chan string
	Close() error
}

// Broker is the message bus plus the keyspace used for liveness keys.
type Broker interface {
	// Publish sends a payload to every current subscriber of the channel.
	// Delivery is best-effort; publishing to a channel with no subscribers
	// is not an error.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription to the channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// SetWithTTL creates or replaces a key that expires after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Refresh extends the expiry of an existing key.
	Refresh(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Channel name builders for the per-run channel families.

// EventsChannel carries the JSON-encoded stream events of a run.
func EventsChannel(runID string) string {
	return "agent_run:" + runID + ":events"
}

// ControlChannel is the global control channel for a run. Any instance
// holding a subscription can propagate a stop through it.
func ControlChannel(runID string) string {
	return "agent_run:" + runID + ":control"
}

// InstanceControlChannel delivers control signals to the exact instance
// that owns the run.
func InstanceControlChannel(runID, instanceID string) string {
	return "agent_run:" + runID + ":control:" + instanceID
}

// ActiveRunKey is the liveness key proving an instance is driving a run.
func ActiveRunKey(instanceID, runID string) string {
	return "active_run:" + instanceID + ":" + runID
}
