package broker

import (
	"context"

	"gridworld.ai/internal/storage"
)

// Engine bundles the broker's authoritative state. The websocket server
// serves it to remote shard processes; tests and single-binary deployments
// use the in-process handles below directly.
type Engine struct {
	queues   *Queues
	channels *Channels
	blobs    *SQLiteBlobs
}

func NewEngine(blobs *SQLiteBlobs) *Engine {
	return &Engine{
		queues:   NewQueues(),
		channels: NewChannels(),
		blobs:    blobs,
	}
}

func (e *Engine) Queues() *Queues     { return e.queues }
func (e *Engine) Channels() *Channels { return e.channels }

// Queue returns an in-process storage.Queue handle for name.
func (e *Engine) Queue(name string) storage.Queue {
	return engineQueue{e: e, name: name}
}

// Channel returns an in-process storage.Channel handle for topic.
func (e *Engine) Channel(topic string) storage.Channel {
	return engineChannel{e: e, topic: topic}
}

func (e *Engine) Blobs() storage.Blobs { return e.blobs }

func (e *Engine) Close() error {
	if e.blobs != nil {
		return e.blobs.Close()
	}
	return nil
}

type engineQueue struct {
	e    *Engine
	name string
}

func (q engineQueue) Push(ctx context.Context, payload []byte) error {
	q.e.queues.Push(q.name, payload)
	return nil
}

func (q engineQueue) SetVersion(ctx context.Context, version uint64) error {
	q.e.queues.SetVersion(q.name, version)
	return nil
}

func (q engineQueue) Consume(ctx context.Context, version uint64) ([]byte, error) {
	return q.e.queues.Consume(ctx, q.name, version)
}

type engineChannel struct {
	e     *Engine
	topic string
}

func (c engineChannel) Publish(ctx context.Context, msg []byte) error {
	c.e.channels.Publish(c.topic, msg)
	return nil
}

func (c engineChannel) Subscribe(ctx context.Context) (storage.Subscription, error) {
	return c.e.channels.Subscribe(c.topic), nil
}
