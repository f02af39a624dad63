package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"

	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
)

// Service is the long-lived processor loop: Idle -> ProcessingRooms(tick) ->
// AwaitingFlush -> FlushingRooms(tick) -> Idle. The retained-context table
// is owned by this instance and cleared on every flush, so test instances
// stay isolated.
type Service struct {
	sh  *shard.Shard
	reg *room.Registry
	log *log.Logger

	tick      uint64
	processed map[string]*Context

	// cleanup tracks background intent-blob deletions; flushedRooms is not
	// acknowledged until they are done, so a reprocessing retry can never
	// read a blob from an already-flushed tick.
	cleanup sync.WaitGroup
}

func NewService(sh *shard.Shard, reg *room.Registry, logger *log.Logger) *Service {
	return &Service{
		sh:        sh,
		reg:       reg,
		log:       logger,
		processed: map[string]*Context{},
	}
}

// Run subscribes to the processor control channel and serves phases until a
// shutdown message or ctx cancellation; the current phase finishes first.
func (s *Service) Run(ctx context.Context) error {
	ch := s.sh.Channel(protocol.TopicProcessor)
	sub, err := ch.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Disconnect()

	if b, err := json.Marshal(protocol.ProcessorConnectedMsg{Type: protocol.TypeProcessorConnected}); err == nil {
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
			case protocol.TypeProcessRooms:
				var m protocol.ProcessRoomsMsg
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				s.processRooms(ctx, m.Time)
			case protocol.TypeFlushRooms:
				s.flushRooms(ctx)
			case protocol.TypeShutdown:
				s.cleanup.Wait()
				return nil
			}
		}
	}
}

// processRooms drains {room, users} work items for tick until the queue has
// no more for this version, processing each room it is handed.
func (s *Service) processRooms(ctx context.Context, tick uint64) {
	s.tick = tick
	q := s.sh.Queue(protocol.QueueProcessRooms)
	if err := q.SetVersion(ctx, tick); err != nil {
		s.log.Printf("set processRooms version: %v", err)
		return
	}
	for {
		payload, err := q.Consume(ctx, tick)
		if err != nil {
			if !errors.Is(err, storage.ErrVersionChanged) && !errors.Is(err, context.Canceled) {
				s.log.Printf("consume processRooms: %v", err)
			}
			return
		}
		var work protocol.RoomWork
		if err := json.Unmarshal(payload, &work); err != nil {
			s.log.Printf("bad processRooms item: %v", err)
			continue
		}
		s.processRoom(ctx, tick, work)
	}
}

// processRoom loads the room's prior record and its intent blobs
// concurrently, applies phase 1, retains the context for the flush phase,
// and acknowledges processedRoom. A fault in one room is reported in its
// ack and never halts the loop.
func (s *Service) processRoom(ctx context.Context, tick uint64, work protocol.RoomWork) {
	var (
		wg       sync.WaitGroup
		r        *room.Room
		roomErr  error
		payloads = make([]*room.UserIntentPayload, len(work.Users))
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		r, roomErr = s.sh.LoadRoom(ctx, work.Room, tick-1)
	}()
	for i, user := range work.Users {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			p, err := s.sh.LoadIntents(ctx, work.Room, user)
			if err != nil {
				// Absent blob means the user produced no intents for
				// this room; anything else is logged and treated the
				// same way.
				if !errors.Is(err, storage.ErrNotFound) {
					s.log.Printf("load intents %s/%s: %v", work.Room, user, err)
				}
				return
			}
			payloads[i] = &p
		}(i, user)
	}
	wg.Wait()

	// Consumed intent blobs are deleted in the background; failures are
	// logged, never fatal, and the flush ack waits for the group.
	for _, user := range work.Users {
		s.cleanup.Add(1)
		go func(user string) {
			defer s.cleanup.Done()
			if err := s.sh.DeleteIntents(context.Background(), work.Room, user); err != nil {
				s.log.Printf("delete intents %s/%s: %v", work.Room, user, err)
			}
		}(user)
	}

	if roomErr != nil {
		if errors.Is(roomErr, storage.ErrNotFound) {
			s.log.Printf("room %s has no record at tick %d; skipping", work.Room, tick-1)
		} else {
			s.log.Printf("load room %s: %v", work.Room, roomErr)
		}
		s.ackRoom(ctx, protocol.ProcessedRoomMsg{
			Type: protocol.TypeProcessedRoom, RoomName: work.Room, Error: roomErr.Error(),
		})
		return
	}

	c := NewContext(r, tick, s.reg)
	for _, p := range payloads {
		if p != nil {
			c.SaveIntents(*p)
		}
	}

	ack := protocol.ProcessedRoomMsg{Type: protocol.TypeProcessedRoom, RoomName: work.Room}
	if err := c.Process(); err != nil {
		s.log.Printf("%v", err)
		ack.Error = err.Error()
	}
	s.processed[work.Room] = c
	s.ackRoom(ctx, ack)
}

// flushRooms runs phase 2 for every retained context: persist mutated rooms
// at the current tick, cheaply duplicate untouched ones, report the sleep
// plan, clear the table.
func (s *Service) flushRooms(ctx context.Context) {
	names := make([]string, 0, len(s.processed))
	for name := range s.processed {
		names = append(names, name)
	}
	sort.Strings(names)

	flushes := make([]protocol.RoomFlush, 0, len(names))
	for _, name := range names {
		c := s.processed[name]
		if c.Room.ReceivedUpdate && !c.Faulted {
			if err := s.sh.SaveRoom(ctx, c.Room, c.Tick); err != nil {
				s.log.Printf("save room %s: %v", name, err)
			}
		} else {
			// No-op mutation path: duplicate the unchanged record
			// rather than re-encoding it.
			if err := s.sh.CopyRoom(ctx, name, c.Tick-1, c.Tick); err != nil {
				s.log.Printf("copy room %s: %v", name, err)
			}
		}
		sleepUntil := c.Room.NextUpdate
		if c.Faulted {
			// Retry a faulted room on the very next tick.
			sleepUntil = c.Tick + 1
		}
		flushes = append(flushes, protocol.RoomFlush{Name: name, SleepUntil: sleepUntil})
	}
	s.processed = map[string]*Context{}

	// Fence: intent cleanup must land before the flush is acknowledged.
	s.cleanup.Wait()

	b, err := json.Marshal(protocol.FlushedRoomsMsg{Type: protocol.TypeFlushedRooms, Rooms: flushes})
	if err != nil {
		return
	}
	if err := s.sh.Channel(protocol.TopicProcessor).Publish(ctx, b); err != nil {
		s.log.Printf("publish flushedRooms: %v", err)
	}
}

func (s *Service) ackRoom(ctx context.Context, m protocol.ProcessedRoomMsg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := s.sh.Channel(protocol.TopicProcessor).Publish(ctx, b); err != nil {
		s.log.Printf("publish processedRoom: %v", err)
	}
}
