package broker

import (
	"context"
	"sync"

	"gridworld.ai/internal/storage"
)

// Queues holds every versioned work queue on the broker. A queue only ever
// carries items tagged with its current version: SetVersion to a new value
// drops whatever was not consumed and wakes blocked consumers, which is the
// sole mechanism that interrupts a blocked Consume.
type Queues struct {
	mu     sync.Mutex
	byName map[string]*queue
}

type queue struct {
	version uint64
	items   [][]byte
	waiters []*waiter
}

// waiter is one parked Consume call. ch has capacity 1 so the producer side
// never blocks handing over a result.
type waiter struct {
	ch chan consumeResult
}

type consumeResult struct {
	payload []byte
	err     error
}

func NewQueues() *Queues {
	return &Queues{byName: map[string]*queue{}}
}

func (qs *Queues) get(name string) *queue {
	q := qs.byName[name]
	if q == nil {
		q = &queue{}
		qs.byName[name] = q
	}
	return q
}

// Push appends payload under the queue's current version. If a consumer is
// parked, the item is handed to the oldest one directly; parked consumers
// always track the current version (stale ones were flushed by SetVersion).
func (qs *Queues) Push(name string, payload []byte) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.get(name)
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.ch <- consumeResult{payload: payload}
		return
	}
	q.items = append(q.items, payload)
}

// SetVersion advances the queue to version. Setting the current version or
// an older one is a no-op, so every service on a shard can set it at phase
// start without flushing items its peers are still draining, and a laggard
// can never drag the queue backward past a phase barrier.
func (qs *Queues) SetVersion(name string, version uint64) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.get(name)
	if version <= q.version {
		return
	}
	q.version = version
	q.items = nil
	for _, w := range q.waiters {
		w.ch <- consumeResult{err: storage.ErrVersionChanged}
	}
	q.waiters = nil
}

// Version reports the queue's current version.
func (qs *Queues) Version(name string) uint64 {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.get(name).version
}

// Consume removes and returns one item for version. It returns
// storage.ErrVersionChanged immediately when the queue has moved past
// version, and blocks otherwise until an item arrives, the version moves, or
// ctx is done. Across concurrent consumers each item is delivered exactly
// once.
func (qs *Queues) Consume(ctx context.Context, name string, version uint64) ([]byte, error) {
	qs.mu.Lock()
	q := qs.get(name)
	if q.version != version {
		qs.mu.Unlock()
		return nil, storage.ErrVersionChanged
	}
	if len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		qs.mu.Unlock()
		return item, nil
	}
	w := &waiter{ch: make(chan consumeResult, 1)}
	q.waiters = append(q.waiters, w)
	qs.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.payload, res.err
	case <-ctx.Done():
		qs.cancelWaiter(name, w)
		// The producer may have raced our cancellation and handed us an
		// item already; put it back at the head so it is not lost.
		select {
		case res := <-w.ch:
			if res.err == nil && res.payload != nil {
				qs.requeueFront(name, res.payload)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (qs *Queues) cancelWaiter(name string, w *waiter) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.get(name)
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

func (qs *Queues) requeueFront(name string, payload []byte) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.get(name)
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.ch <- consumeResult{payload: payload}
		return
	}
	q.items = append([][]byte{payload}, q.items...)
}
