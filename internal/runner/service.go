// Package runner implements the runner service: it drains the per-tick user
// queue, executes each user's code through a sandbox Runtime, and publishes
// the resulting intents for the processor phase.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"runtime"
	"sync"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
)

type Config struct {
	// Concurrency bounds the worker pool; defaults to the core count.
	Concurrency int

	// Unsafe forces single-worker execution so sandbox faults stay
	// debuggable; no parallel sandboxes in this mode.
	Unsafe bool
}

func (c Config) workers() int {
	if c.Unsafe {
		return 1
	}
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return runtime.NumCPU()
}

// Service is the long-lived runner loop. One per runner process.
type Service struct {
	sh      *shard.Shard
	factory RuntimeFactory
	cfg     Config
	log     *log.Logger

	mu       sync.Mutex
	runtimes map[string]Runtime
}

func NewService(sh *shard.Shard, factory RuntimeFactory, cfg Config, logger *log.Logger) *Service {
	return &Service{
		sh:       sh,
		factory:  factory,
		cfg:      cfg,
		log:      logger,
		runtimes: map[string]Runtime{},
	}
}

// Run subscribes to the runner control channel and serves processUsers
// phases until a shutdown message or ctx cancellation. In-flight work is
// finished before returning; live runtimes are disposed on the way out.
func (s *Service) Run(ctx context.Context) error {
	ch := s.sh.Channel(protocol.TopicRunner)
	sub, err := ch.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Disconnect()
	defer s.disconnectRuntimes()

	if b, err := json.Marshal(protocol.RunnerConnectedMsg{Type: protocol.TypeRunnerConnected}); err == nil {
		if err := ch.Publish(ctx, b); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return storage.ErrConnectionClosed
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeProcessUsers:
				var m protocol.ProcessUsersMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				s.processUsers(ctx, m.Time)
			case protocol.TypeShutdown:
				return nil
			}
		}
	}
}

// processUsers drives one user-code phase: version the queue to the tick,
// then drain user IDs with the worker pool until the queue reports no more
// work for this version.
func (s *Service) processUsers(ctx context.Context, tick uint64) {
	q := s.sh.Queue(protocol.QueueRunnerUsers)
	if err := q.SetVersion(ctx, tick); err != nil {
		s.log.Printf("set runnerUsers version: %v", err)
		return
	}

	// Room records read this phase are the ones persisted last tick.
	cache := newRoomCache(s.sh, tick-1)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				payload, err := q.Consume(ctx, tick)
				if err != nil {
					if !errors.Is(err, storage.ErrVersionChanged) && !errors.Is(err, context.Canceled) {
						s.log.Printf("consume runnerUsers: %v", err)
					}
					return
				}
				s.runUser(ctx, tick, string(payload), cache)
			}
		}()
	}
	wg.Wait()
}

// runUser executes one user's code and publishes its intents. A user whose
// code fails still acknowledges processedUser (with the error attached) so
// one bad client never stalls the tick.
func (s *Service) runUser(ctx context.Context, tick uint64, userID string, cache *roomCache) {
	rt, err := s.runtime(userID)
	if err != nil {
		s.log.Printf("create runtime for %s: %v", userID, err)
		s.ackUser(ctx, protocol.ProcessedUserMsg{
			Type: protocol.TypeProcessedUser, UserID: userID, Error: err.Error(),
		})
		return
	}

	rooms := map[string]*room.Room{}
	rec, err := s.sh.LoadUser(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Printf("load user %s: %v", userID, err)
	}
	for _, name := range rec.Rooms {
		r, err := cache.Load(ctx, name)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.log.Printf("load room %s: %v", name, err)
			}
			continue
		}
		rooms[name] = r
	}

	res, err := rt.Run(ctx, tick, rooms)
	if err != nil {
		s.ackUser(ctx, protocol.ProcessedUserMsg{
			Type: protocol.TypeProcessedUser, UserID: userID, Error: err.Error(),
		})
		return
	}

	if res.Intents != nil {
		for _, roomName := range res.Intents.Rooms() {
			intents, ok := res.Intents.DrainRoom(roomName)
			if !ok {
				continue
			}
			p := room.UserIntentPayload{User: userID, Intents: intents}
			if err := s.sh.SaveIntents(ctx, roomName, p); err != nil {
				s.log.Printf("save intents %s/%s: %v", roomName, userID, err)
			}
		}
	}

	s.ackUser(ctx, protocol.ProcessedUserMsg{
		Type: protocol.TypeProcessedUser, UserID: userID, RoomNames: res.RoomNames,
	})
}

func (s *Service) ackUser(ctx context.Context, m protocol.ProcessedUserMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := s.sh.Channel(protocol.TopicRunner).Publish(ctx, b); err != nil {
		s.log.Printf("publish processedUser: %v", err)
	}
}

func (s *Service) runtime(userID string) (Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtimes[userID]
	if rt != nil {
		return rt, nil
	}
	rt, err := s.factory(s.sh, userID)
	if err != nil {
		return nil, err
	}
	s.runtimes[userID] = rt
	return rt, nil
}

func (s *Service) disconnectRuntimes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.runtimes {
		rt.Disconnect()
		delete(s.runtimes, id)
	}
}
