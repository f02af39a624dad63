// Package shard is the process-local handle every runner and processor
// holds: the storage connection, the immutable terrain cache, and the
// room/intent/memory blob helpers with their key scheme.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"gridworld.ai/internal/room"
	"gridworld.ai/internal/storage"
)

// Blob key scheme.
func KeyRoom(name string, tick uint64) string   { return fmt.Sprintf("room/%s/%d", name, tick) }
func KeyIntents(roomName, user string) string   { return fmt.Sprintf("intents/%s/%s", roomName, user) }
func KeyMemory(user string) string              { return fmt.Sprintf("memory/%s", user) }
func KeyTerrain(roomName string) string         { return fmt.Sprintf("terrain/%s", roomName) }
func KeyUser(user string) string                { return fmt.Sprintf("users/%s", user) }

const (
	KeyGameTime  = "gametime"
	KeyUserIndex = "users"
)

// Shard bundles a storage connection with the helpers the service loops
// need. Terrain blobs are immutable, so reads are cached for the life of
// the process.
type Shard struct {
	Name  string
	store storage.Provider
	log   *log.Logger

	terrainMu sync.Mutex
	terrain   map[string][]byte
}

func New(name string, store storage.Provider, logger *log.Logger) *Shard {
	return &Shard{
		Name:    name,
		store:   store,
		log:     logger,
		terrain: map[string][]byte{},
	}
}

func (s *Shard) Queue(name string) storage.Queue      { return s.store.Queue(name) }
func (s *Shard) Channel(topic string) storage.Channel { return s.store.Channel(topic) }
func (s *Shard) Blobs() storage.Blobs                 { return s.store.Blobs() }

// LoadRoom fetches and decodes the room's record as of tick.
func (s *Shard) LoadRoom(ctx context.Context, name string, tick uint64) (*room.Room, error) {
	b, err := s.store.Blobs().Get(ctx, KeyRoom(name, tick))
	if err != nil {
		return nil, err
	}
	return room.Decode(b)
}

// SaveRoom persists the room's record at tick.
func (s *Shard) SaveRoom(ctx context.Context, r *room.Room, tick uint64) error {
	b, err := room.Encode(r)
	if err != nil {
		return err
	}
	return s.store.Blobs().Set(ctx, KeyRoom(r.Name, tick), b)
}

// CopyRoom duplicates the room record from one tick to another without
// re-encoding. This is the flush phase's skip path for untouched rooms.
func (s *Shard) CopyRoom(ctx context.Context, name string, fromTick, toTick uint64) error {
	return s.store.Blobs().Copy(ctx, KeyRoom(name, fromTick), KeyRoom(name, toTick))
}

// Terrain returns the room's terrain blob, read through a per-process cache.
func (s *Shard) Terrain(ctx context.Context, roomName string) ([]byte, error) {
	s.terrainMu.Lock()
	if b, ok := s.terrain[roomName]; ok {
		s.terrainMu.Unlock()
		return b, nil
	}
	s.terrainMu.Unlock()

	b, err := s.store.Blobs().Get(ctx, KeyTerrain(roomName))
	if err != nil {
		return nil, err
	}
	s.terrainMu.Lock()
	s.terrain[roomName] = b
	s.terrainMu.Unlock()
	return b, nil
}

// SaveIntents writes one user's intent blob for one room.
func (s *Shard) SaveIntents(ctx context.Context, roomName string, p room.UserIntentPayload) error {
	b, err := room.EncodeIntents(p)
	if err != nil {
		return err
	}
	return s.store.Blobs().Set(ctx, KeyIntents(roomName, p.User), b)
}

// LoadIntents reads one user's intent blob for one room. A missing blob is
// reported as storage.ErrNotFound; callers treat it as "no intents".
func (s *Shard) LoadIntents(ctx context.Context, roomName, user string) (room.UserIntentPayload, error) {
	b, err := s.store.Blobs().Get(ctx, KeyIntents(roomName, user))
	if err != nil {
		return room.UserIntentPayload{}, err
	}
	return room.DecodeIntents(b)
}

// DeleteIntents removes a consumed intent blob.
func (s *Shard) DeleteIntents(ctx context.Context, roomName, user string) error {
	return s.store.Blobs().Del(ctx, KeyIntents(roomName, user))
}

// LoadMemory reads a user's persistent memory blob. A user that never saved
// gets nil with no error.
func (s *Shard) LoadMemory(ctx context.Context, user string) ([]byte, error) {
	b, err := s.store.Blobs().Get(ctx, KeyMemory(user))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// SaveMemory writes a user's persistent memory blob.
func (s *Shard) SaveMemory(ctx context.Context, user string, b []byte) error {
	return s.store.Blobs().Set(ctx, KeyMemory(user), b)
}

// GameTime reads the persisted global tick; a fresh shard starts at 0.
func (s *Shard) GameTime(ctx context.Context) (uint64, error) {
	b, err := s.store.Blobs().Get(ctx, KeyGameTime)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	t, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt gametime blob: %w", err)
	}
	return t, nil
}

// SetGameTime persists the global tick.
func (s *Shard) SetGameTime(ctx context.Context, tick uint64) error {
	return s.store.Blobs().Set(ctx, KeyGameTime, []byte(strconv.FormatUint(tick, 10)))
}
