// Package orchestrator drives the authoritative clock: it owns queue
// versions, publishes phase transitions, and enforces the barrier between
// the user-code phase and the room phases. Queues and channels only
// guarantee exclusive delivery; the barrier lives here.
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"gridworld.ai/internal/config"
	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
	"gridworld.ai/internal/ticklog"
)

type Service struct {
	sh   *shard.Shard
	cfg  config.OrchestratorConfig
	log  *log.Logger
	tlog *ticklog.Writer

	// sleepUntil is the per-room wake schedule reported by flushedRooms.
	// A room is pushed into processRooms when intents arrived for it or
	// its sleep expired.
	sleepUntil map[string]uint64
}

func New(sh *shard.Shard, cfg config.OrchestratorConfig, tlog *ticklog.Writer, logger *log.Logger) *Service {
	return &Service{
		sh:         sh,
		cfg:        cfg,
		log:        logger,
		tlog:       tlog,
		sleepUntil: map[string]uint64{},
	}
}

// Run waits for the configured number of runner and processor processes,
// then advances ticks until ctx is cancelled, at which point it broadcasts
// shutdown and returns.
func (s *Service) Run(ctx context.Context) error {
	runnerCh := s.sh.Channel(protocol.TopicRunner)
	procCh := s.sh.Channel(protocol.TopicProcessor)

	runnerSub, err := runnerCh.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer runnerSub.Disconnect()
	procSub, err := procCh.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer procSub.Disconnect()

	if err := s.awaitConnections(ctx, runnerSub, procSub); err != nil {
		return err
	}
	if err := s.seedRooms(ctx); err != nil {
		return err
	}

	tick, err := s.sh.GameTime(ctx)
	if err != nil {
		return err
	}
	s.log.Printf("starting at tick %d (%d runners, %d processors)", tick, s.cfg.Runners, s.cfg.Processors)

	for {
		if ctx.Err() != nil {
			s.broadcastShutdown()
			return ctx.Err()
		}
		tick++
		start := time.Now()
		entry, err := s.runTick(ctx, tick, runnerSub, procSub)
		if err != nil {
			s.broadcastShutdown()
			return err
		}
		if err := s.sh.SetGameTime(ctx, tick); err != nil {
			s.broadcastShutdown()
			return err
		}
		if s.tlog != nil {
			if err := s.tlog.Write(entry); err != nil {
				s.log.Printf("tick log: %v", err)
			}
		}

		if rest := s.cfg.MinTickDuration - time.Since(start); rest > 0 {
			select {
			case <-time.After(rest):
			case <-ctx.Done():
			}
		}
	}
}

// runTick runs one full tick: user phase, room phase, flush phase.
func (s *Service) runTick(ctx context.Context, tick uint64, runnerSub, procSub storage.Subscription) (ticklog.Entry, error) {
	entry := ticklog.Entry{Tick: tick}

	// Phase 1: user code.
	usersStart := time.Now()
	users, err := s.sh.UserIndex(ctx)
	if err != nil {
		return entry, err
	}
	entry.Users = len(users)

	uq := s.sh.Queue(protocol.QueueRunnerUsers)
	if err := uq.SetVersion(ctx, tick); err != nil {
		return entry, err
	}
	for _, id := range users {
		if err := uq.Push(ctx, []byte(id)); err != nil {
			return entry, err
		}
	}
	if err := s.publish(ctx, protocol.TopicRunner, protocol.ProcessUsersMsg{Type: protocol.TypeProcessUsers, Time: tick}); err != nil {
		return entry, err
	}

	// Intents for a room are applied in the order their users reported in;
	// roomUsers preserves ack arrival order end-to-end.
	roomUsers := map[string][]string{}
	for done := 0; done < len(users); {
		msg, err := next(ctx, runnerSub)
		if err != nil {
			return entry, err
		}
		base, _ := protocol.DecodeBase(msg)
		if base.Type != protocol.TypeProcessedUser {
			continue
		}
		var m protocol.ProcessedUserMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}
		done++
		if m.Error != "" {
			entry.UserFaults = append(entry.UserFaults, m.UserID)
			continue
		}
		for _, name := range m.RoomNames {
			roomUsers[name] = append(roomUsers[name], m.UserID)
		}
	}
	// Phase barrier: every ack is in, so advance the queue version to wake
	// the workers parked on it.
	if err := uq.SetVersion(ctx, tick+1); err != nil {
		return entry, err
	}
	entry.UsersMS = time.Since(usersStart).Milliseconds()

	// Phase 2: rooms. Sleeping rooms with no fresh intents are skipped
	// outright; their records are carried forward lazily on next wake.
	roomsStart := time.Now()
	names := make([]string, 0, len(roomUsers))
	for name := range roomUsers {
		names = append(names, name)
	}
	for name, until := range s.sleepUntil {
		if _, queued := roomUsers[name]; !queued && until <= tick {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	entry.Rooms = len(names)

	rq := s.sh.Queue(protocol.QueueProcessRooms)
	if err := rq.SetVersion(ctx, tick); err != nil {
		return entry, err
	}
	for _, name := range names {
		b, err := json.Marshal(protocol.RoomWork{Room: name, Users: roomUsers[name]})
		if err != nil {
			return entry, err
		}
		if err := rq.Push(ctx, b); err != nil {
			return entry, err
		}
	}
	if err := s.publish(ctx, protocol.TopicProcessor, protocol.ProcessRoomsMsg{Type: protocol.TypeProcessRooms, Time: tick}); err != nil {
		return entry, err
	}

	for done := 0; done < len(names); {
		msg, err := next(ctx, procSub)
		if err != nil {
			return entry, err
		}
		base, _ := protocol.DecodeBase(msg)
		if base.Type != protocol.TypeProcessedRoom {
			continue
		}
		var m protocol.ProcessedRoomMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}
		done++
		if m.Error != "" {
			entry.RoomFaults = append(entry.RoomFaults, m.RoomName)
		}
	}
	// Same barrier for the room queue; processors must be back at their
	// control loop before flushRooms is published.
	if err := rq.SetVersion(ctx, tick+1); err != nil {
		return entry, err
	}
	entry.RoomsMS = time.Since(roomsStart).Milliseconds()

	// Phase 3: flush. Every processor answers exactly once, including the
	// ones that happened to receive no rooms this tick.
	flushStart := time.Now()
	if err := s.publish(ctx, protocol.TopicProcessor, protocol.FlushRoomsMsg{Type: protocol.TypeFlushRooms}); err != nil {
		return entry, err
	}
	for done := 0; done < s.cfg.Processors; {
		msg, err := next(ctx, procSub)
		if err != nil {
			return entry, err
		}
		base, _ := protocol.DecodeBase(msg)
		if base.Type != protocol.TypeFlushedRooms {
			continue
		}
		var m protocol.FlushedRoomsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			continue
		}
		done++
		for _, rf := range m.Rooms {
			s.sleepUntil[rf.Name] = rf.SleepUntil
		}
	}
	entry.FlushMS = time.Since(flushStart).Milliseconds()
	return entry, nil
}

// awaitConnections blocks until every expected service has announced itself.
func (s *Service) awaitConnections(ctx context.Context, runnerSub, procSub storage.Subscription) error {
	runners, processors := 0, 0
	for runners < s.cfg.Runners {
		msg, err := next(ctx, runnerSub)
		if err != nil {
			return err
		}
		if base, _ := protocol.DecodeBase(msg); base.Type == protocol.TypeRunnerConnected {
			runners++
		}
	}
	for processors < s.cfg.Processors {
		msg, err := next(ctx, procSub)
		if err != nil {
			return err
		}
		if base, _ := protocol.DecodeBase(msg); base.Type == protocol.TypeProcessorConnected {
			processors++
		}
	}
	return nil
}

// seedRooms initializes the wake schedule from every registered user's
// visible rooms, so rooms with hooks but no traffic still get processed.
func (s *Service) seedRooms(ctx context.Context) error {
	users, err := s.sh.UserIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range users {
		rec, err := s.sh.LoadUser(ctx, id)
		if err != nil {
			continue
		}
		for _, name := range rec.Rooms {
			if _, ok := s.sleepUntil[name]; !ok {
				s.sleepUntil[name] = 0
			}
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, topic string, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.sh.Channel(topic).Publish(ctx, b)
}

func (s *Service) broadcastShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.publish(ctx, protocol.TopicRunner, protocol.ShutdownMsg{Type: protocol.TypeShutdown})
	_ = s.publish(ctx, protocol.TopicProcessor, protocol.ShutdownMsg{Type: protocol.TypeShutdown})
}

func next(ctx context.Context, sub storage.Subscription) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-sub.C():
		if !ok {
			return nil, storage.ErrConnectionClosed
		}
		return msg, nil
	}
}
