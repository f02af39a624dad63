// Package storage defines the coordination primitives every shard process
// shares: versioned work queues, pub/sub channels, and the blob store. The
// broker subpackage hosts the authoritative state; Conn in this package is
// the client side of the same contract, so services can run against either
// the in-process engine (tests) or a remote broker (production).
package storage

import (
	"context"
	"errors"
)

var (
	// ErrConnectionClosed is returned by every operation on a disconnected
	// queue, channel, or blob handle.
	ErrConnectionClosed = errors.New("storage: connection closed")

	// ErrVersionChanged is returned by a blocked Consume when the queue's
	// version moved past the one the consumer was draining.
	ErrVersionChanged = errors.New("storage: queue version changed")

	// ErrNotFound is returned by blob reads for keys never written.
	ErrNotFound = errors.New("storage: blob not found")
)

// Provider mints queue, channel and blob handles. Both the broker's
// in-process engine and the remote Conn implement it, so a service loop can
// run against either.
type Provider interface {
	Queue(name string) Queue
	Channel(topic string) Channel
	Blobs() Blobs
}

// Queue is a named, versioned, multi-consumer work queue. Items pushed under
// version V are visible only while the queue's version equals V; advancing
// the version discards unconsumed items. Each item is delivered to exactly
// one consumer.
type Queue interface {
	// Push appends payload under the queue's current version.
	Push(ctx context.Context, payload []byte) error

	// SetVersion atomically advances the version, discarding stale items
	// and waking every blocked consumer with ErrVersionChanged.
	SetVersion(ctx context.Context, version uint64) error

	// Consume removes and returns one item pushed under version. It blocks
	// until an item is available, the version moves (ErrVersionChanged),
	// or ctx is done.
	Consume(ctx context.Context, version uint64) ([]byte, error)
}

// Channel is a named broadcast topic. Every subscriber gets its own ordered
// copy of each message published after it subscribed.
type Channel interface {
	Publish(ctx context.Context, msg []byte) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is one subscriber's view of a topic. C yields messages in
// publish order and is closed when the subscription disconnects, so plain
// range iteration terminates without error.
type Subscription interface {
	C() <-chan []byte

	// Disconnect is idempotent and releases broker-side resources.
	Disconnect()
}

// Blobs is the key/value store for room state, intents, terrain and user
// memory. Keys are plain strings like "room/W1N1/42".
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error

	// Copy duplicates src to dst without the caller re-encoding the value.
	// This is the cheap path the flush phase takes for untouched rooms.
	Copy(ctx context.Context, src, dst string) error
}
