package runner

import (
	"context"
	"sync"

	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
)

// roomCache is the per-tick shared room-blob cache: rooms visible to several
// users in the same tick are fetched from storage at most once. Entries are
// never invalidated mid-tick; rooms do not change during the user-code
// phase. A fresh cache is built for every processUsers message.
type roomCache struct {
	sh   *shard.Shard
	tick uint64

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ready chan struct{}
	room  *room.Room
	err   error
}

func newRoomCache(sh *shard.Shard, tick uint64) *roomCache {
	return &roomCache{sh: sh, tick: tick, entries: map[string]*cacheEntry{}}
}

// Load fetches the room's record as of the cache's tick. Concurrent callers
// for the same room share a single fetch.
func (c *roomCache) Load(ctx context.Context, name string) (*room.Room, error) {
	c.mu.Lock()
	e := c.entries[name]
	if e != nil {
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e.room, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e = &cacheEntry{ready: make(chan struct{})}
	c.entries[name] = e
	c.mu.Unlock()

	e.room, e.err = c.sh.LoadRoom(ctx, name, c.tick)
	close(e.ready)
	return e.room, e.err
}
