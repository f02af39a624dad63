package runner

import (
	"context"
	"fmt"
	"strconv"

	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
)

// Runtime is the sandboxed execution engine for one user: given the tick
// and the user's visible room snapshots it produces intents. Implementations
// live outside this substrate; Run must treat the room snapshots as
// read-only (they are shared across users within a tick).
type Runtime interface {
	Run(ctx context.Context, tick uint64, rooms map[string]*room.Room) (RunResult, error)
	Disconnect()
}

// RunResult is what one execution of a user's code yields.
type RunResult struct {
	RoomNames []string
	Intents   *IntentManager
}

// RuntimeFactory creates the live runtime instance for a user on first use.
type RuntimeFactory func(sh *shard.Shard, userID string) (Runtime, error)

// scriptedRuntime is the built-in stand-in for the sandbox engine: it walks
// every owned creep in every visible room and emits a deterministic move
// intent, and keeps the last executed tick in the user's memory blob the way
// a real engine persists script state. Enough behavior to drive the full
// pipeline in tests and local deployments.
type scriptedRuntime struct {
	sh     *shard.Shard
	userID string
}

// NewScriptedRuntime is the default RuntimeFactory.
func NewScriptedRuntime(sh *shard.Shard, userID string) (Runtime, error) {
	return &scriptedRuntime{sh: sh, userID: userID}, nil
}

func (rt *scriptedRuntime) Run(ctx context.Context, tick uint64, rooms map[string]*room.Room) (RunResult, error) {
	mgr := NewIntentManager()
	var names []string
	for name, r := range rooms {
		names = append(names, name)
		for _, id := range r.ObjectIDs() {
			obj := r.Objects[id]
			if obj.Type != room.TypeCreep || obj.Owner != rt.userID {
				continue
			}
			mgr.SaveObject(name, obj.ID, "move", (obj.X+1)%50, obj.Y)
		}
	}
	if err := rt.sh.SaveMemory(ctx, rt.userID, []byte(strconv.FormatUint(tick, 10))); err != nil {
		return RunResult{}, fmt.Errorf("save memory: %w", err)
	}
	return RunResult{RoomNames: names, Intents: mgr}, nil
}

func (rt *scriptedRuntime) Disconnect() {}

// FaultyRuntime always fails; used to exercise the one-bad-user path.
type FaultyRuntime struct{}

func (FaultyRuntime) Run(ctx context.Context, tick uint64, rooms map[string]*room.Room) (RunResult, error) {
	return RunResult{}, fmt.Errorf("user code fault at tick %d", tick)
}

func (FaultyRuntime) Disconnect() {}
