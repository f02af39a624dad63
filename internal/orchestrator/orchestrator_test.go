package orchestrator

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gridworld.ai/internal/config"
	"gridworld.ai/internal/processor"
	"gridworld.ai/internal/room"
	"gridworld.ai/internal/runner"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage/broker"
)

// TestFullTickPipeline runs the whole shard in-process: one runner, one
// processor, one orchestrator against the broker engine. Two ticks must
// advance the clock, move the scripted creep twice, and persist a room
// record per tick.
func TestFullTickPipeline(t *testing.T) {
	blobs, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	engine := broker.NewEngine(blobs)
	t.Cleanup(func() { _ = engine.Close() })

	logger := log.New(os.Stdout, "[test] ", log.LstdFlags|log.Lmicroseconds)
	sh := shard.New("shard0", engine, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sh.SaveUser(ctx, shard.UserRecord{ID: "demo", Rooms: []string{"W1N1"}}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	r := room.New("W1N1")
	r.Objects["creep_1"] = &room.Object{ID: "creep_1", Type: room.TypeCreep, X: 10, Y: 10, Owner: "demo"}
	if err := sh.SaveRoom(ctx, r, 0); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}

	orch := New(sh, config.OrchestratorConfig{Runners: 1, Processors: 1}, nil, logger)
	orchErr := make(chan error, 1)
	go func() { orchErr <- orch.Run(ctx) }()

	// Services announce themselves after the orchestrator subscribed; a
	// short delay avoids losing the connected messages (channels do not
	// replay).
	time.Sleep(100 * time.Millisecond)

	reg := room.NewRegistry()
	room.RegisterBuiltins(reg)
	go func() {
		svc := runner.NewService(sh, runner.NewScriptedRuntime, runner.Config{Concurrency: 2}, logger)
		_ = svc.Run(ctx)
	}()
	go func() {
		svc := processor.NewService(sh, reg, logger)
		_ = svc.Run(ctx)
	}()

	// Poll the persisted clock until at least two ticks completed.
	deadline := time.After(15 * time.Second)
	for {
		tick, err := sh.GameTime(ctx)
		if err != nil {
			t.Fatalf("GameTime: %v", err)
		}
		if tick >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline stalled at tick %d", tick)
		case err := <-orchErr:
			t.Fatalf("orchestrator exited early: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The scripted runtime moves the creep one cell per tick.
	r1, err := sh.LoadRoom(ctx, "W1N1", 1)
	if err != nil {
		t.Fatalf("LoadRoom tick 1: %v", err)
	}
	if got := r1.Object("creep_1"); got == nil || got.X != 11 {
		t.Fatalf("tick 1 creep = %+v, want X=11", got)
	}
	r2, err := sh.LoadRoom(ctx, "W1N1", 2)
	if err != nil {
		t.Fatalf("LoadRoom tick 2: %v", err)
	}
	if got := r2.Object("creep_1"); got == nil || got.X != 12 {
		t.Fatalf("tick 2 creep = %+v, want X=12", got)
	}

	cancel()
	select {
	case <-orchErr:
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop on ctx cancel")
	}
}
