package shard_test

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gridworld.ai/internal/room"
	"gridworld.ai/internal/shard"
	"gridworld.ai/internal/storage"
	"gridworld.ai/internal/storage/broker"
)

func newTestShard(t *testing.T) *shard.Shard {
	t.Helper()
	blobs, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	engine := broker.NewEngine(blobs)
	t.Cleanup(func() { _ = engine.Close() })
	return shard.New("shard0", engine, log.New(os.Stdout, "[test] ", log.LstdFlags))
}

func TestKeyScheme(t *testing.T) {
	if got := shard.KeyRoom("W1N1", 42); got != "room/W1N1/42" {
		t.Fatalf("KeyRoom = %q", got)
	}
	if got := shard.KeyIntents("W1N1", "demo"); got != "intents/W1N1/demo" {
		t.Fatalf("KeyIntents = %q", got)
	}
	if got := shard.KeyMemory("demo"); got != "memory/demo" {
		t.Fatalf("KeyMemory = %q", got)
	}
	if got := shard.KeyTerrain("W1N1"); got != "terrain/W1N1" {
		t.Fatalf("KeyTerrain = %q", got)
	}
	if got := shard.KeyUser("demo"); got != "users/demo" {
		t.Fatalf("KeyUser = %q", got)
	}
}

func TestRoomSaveLoadCopy(t *testing.T) {
	sh := newTestShard(t)
	ctx := context.Background()

	r := room.New("W1N1")
	r.Objects["c1"] = &room.Object{ID: "c1", Type: room.TypeCreep, X: 1, Y: 2, Owner: "demo"}
	if err := sh.SaveRoom(ctx, r, 7); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}

	got, err := sh.LoadRoom(ctx, "W1N1", 7)
	if err != nil {
		t.Fatalf("LoadRoom: %v", err)
	}
	if got.Object("c1") == nil {
		t.Fatal("object lost across save/load")
	}

	if err := sh.CopyRoom(ctx, "W1N1", 7, 8); err != nil {
		t.Fatalf("CopyRoom: %v", err)
	}
	if _, err := sh.LoadRoom(ctx, "W1N1", 8); err != nil {
		t.Fatalf("LoadRoom copy: %v", err)
	}

	if _, err := sh.LoadRoom(ctx, "W1N1", 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("LoadRoom missing tick: err = %v, want ErrNotFound", err)
	}
}

func TestIntentsLifecycle(t *testing.T) {
	sh := newTestShard(t)
	ctx := context.Background()

	p := room.UserIntentPayload{
		User: "demo",
		Intents: room.RoomIntents{
			Room: map[string][][]any{"createConstructionSite": {{int64(1), int64(2), "road"}}},
		},
	}
	if err := sh.SaveIntents(ctx, "W1N1", p); err != nil {
		t.Fatalf("SaveIntents: %v", err)
	}
	got, err := sh.LoadIntents(ctx, "W1N1", "demo")
	if err != nil {
		t.Fatalf("LoadIntents: %v", err)
	}
	if got.User != "demo" || got.Intents.Empty() {
		t.Fatalf("payload = %+v", got)
	}
	if err := sh.DeleteIntents(ctx, "W1N1", "demo"); err != nil {
		t.Fatalf("DeleteIntents: %v", err)
	}
	if _, err := sh.LoadIntents(ctx, "W1N1", "demo"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("LoadIntents after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMemory(t *testing.T) {
	sh := newTestShard(t)
	ctx := context.Background()

	b, err := sh.LoadMemory(ctx, "demo")
	if err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}
	if b != nil {
		t.Fatalf("fresh memory = %q, want nil", b)
	}

	if err := sh.SaveMemory(ctx, "demo", []byte(`{"lastTick":7}`)); err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}
	b, err = sh.LoadMemory(ctx, "demo")
	if err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}
	if string(b) != `{"lastTick":7}` {
		t.Fatalf("memory = %q", b)
	}
}

func TestGameTime(t *testing.T) {
	sh := newTestShard(t)
	ctx := context.Background()

	tick, err := sh.GameTime(ctx)
	if err != nil {
		t.Fatalf("GameTime: %v", err)
	}
	if tick != 0 {
		t.Fatalf("fresh shard tick = %d, want 0", tick)
	}

	if err := sh.SetGameTime(ctx, 1234); err != nil {
		t.Fatalf("SetGameTime: %v", err)
	}
	tick, err = sh.GameTime(ctx)
	if err != nil {
		t.Fatalf("GameTime: %v", err)
	}
	if tick != 1234 {
		t.Fatalf("tick = %d, want 1234", tick)
	}
}

func TestUserRecordsAndIndex(t *testing.T) {
	sh := newTestShard(t)
	ctx := context.Background()

	ids, err := sh.UserIndex(ctx)
	if err != nil {
		t.Fatalf("UserIndex: %v", err)
	}
	if ids != nil {
		t.Fatalf("fresh index = %v, want nil", ids)
	}

	for _, rec := range []shard.UserRecord{
		{ID: "zed", Rooms: []string{"W2N1"}},
		{ID: "alice", Rooms: []string{"W1N1", "W2N1"}},
	} {
		if err := sh.SaveUser(ctx, rec); err != nil {
			t.Fatalf("SaveUser %s: %v", rec.ID, err)
		}
	}
	// Saving an existing user again must not duplicate the index entry.
	if err := sh.SaveUser(ctx, shard.UserRecord{ID: "alice", Rooms: []string{"W1N1"}}); err != nil {
		t.Fatalf("SaveUser again: %v", err)
	}

	ids, err = sh.UserIndex(ctx)
	if err != nil {
		t.Fatalf("UserIndex: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"alice", "zed"}) {
		t.Fatalf("index = %v, want sorted [alice zed]", ids)
	}

	rec, err := sh.LoadUser(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadUser: %v", err)
	}
	if !reflect.DeepEqual(rec.Rooms, []string{"W1N1"}) {
		t.Fatalf("rooms = %v, want the re-saved record", rec.Rooms)
	}
}

func TestTerrainCached(t *testing.T) {
	sh := newTestShard(t)
	ctx := context.Background()

	if err := sh.Blobs().Set(ctx, shard.KeyTerrain("W1N1"), []byte("plain")); err != nil {
		t.Fatalf("Set terrain: %v", err)
	}
	first, err := sh.Terrain(ctx, "W1N1")
	if err != nil {
		t.Fatalf("Terrain: %v", err)
	}

	// Terrain is immutable; later reads come from the process cache even if
	// the blob changes underneath.
	if err := sh.Blobs().Set(ctx, shard.KeyTerrain("W1N1"), []byte("swamp")); err != nil {
		t.Fatalf("Set terrain: %v", err)
	}
	second, err := sh.Terrain(ctx, "W1N1")
	if err != nil {
		t.Fatalf("Terrain: %v", err)
	}
	if string(first) != "plain" || string(second) != "plain" {
		t.Fatalf("terrain reads = %q, %q; want cached %q", first, second, "plain")
	}
}
