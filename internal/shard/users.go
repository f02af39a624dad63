package shard

import (
	"context"
	"errors"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"gridworld.ai/internal/storage"
)

// UserRecord is the per-user registration blob: which rooms the user can
// currently see (and therefore which room snapshots the runner hands to the
// user's code). Maintained outside the tick loop by whatever creates users;
// the substrate only reads it.
type UserRecord struct {
	ID    string   `cbor:"id"`
	Rooms []string `cbor:"rooms"`
}

// LoadUser reads one user's record.
func (s *Shard) LoadUser(ctx context.Context, id string) (UserRecord, error) {
	b, err := s.store.Blobs().Get(ctx, KeyUser(id))
	if err != nil {
		return UserRecord{}, err
	}
	var rec UserRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return UserRecord{}, err
	}
	return rec, nil
}

// SaveUser writes one user's record and refreshes the index.
func (s *Shard) SaveUser(ctx context.Context, rec UserRecord) error {
	b, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.store.Blobs().Set(ctx, KeyUser(rec.ID), b); err != nil {
		return err
	}
	ids, err := s.UserIndex(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == rec.ID {
			return nil
		}
	}
	ids = append(ids, rec.ID)
	sort.Strings(ids)
	ib, err := cbor.Marshal(ids)
	if err != nil {
		return err
	}
	return s.store.Blobs().Set(ctx, KeyUserIndex, ib)
}

// UserIndex lists every registered user ID in sorted order. The orchestrator
// pushes this list into the runnerUsers queue each tick, so the order users
// are dispatched in is stable.
func (s *Shard) UserIndex(ctx context.Context) ([]string, error) {
	b, err := s.store.Blobs().Get(ctx, KeyUserIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := cbor.Unmarshal(b, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
