package room

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Room blobs are deterministic CBOR compressed with zstd. Deterministic
// encoding (sorted map keys, smallest-int form) means identical room state
// always produces identical bytes, which the determinism tests rely on.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("room: cbor encoder init: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("room: cbor decoder init: " + err.Error())
	}
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("room: zstd encoder init: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("room: zstd decoder init: " + err.Error())
	}
}

// Encode serializes r to its persisted blob form.
func Encode(r *Room) ([]byte, error) {
	raw, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode room %s: %w", r.Name, err)
	}
	return zenc.EncodeAll(raw, nil), nil
}

// Decode reconstructs a room from its persisted blob form.
func Decode(b []byte) (*Room, error) {
	raw, err := zdec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decode room blob: %w", err)
	}
	r := &Room{}
	if err := decMode.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decode room blob: %w", err)
	}
	if r.Objects == nil {
		r.Objects = map[string]*Object{}
	}
	return r, nil
}

// RoomIntents is one user's intents addressed to a single room: room-level
// actions may repeat (list of argument tuples, applied in order), object
// actions carry a single tuple each (last write per tick wins).
type RoomIntents struct {
	Room    map[string][][]any          `cbor:"room,omitempty"`
	Objects map[string]map[string][]any `cbor:"objects,omitempty"`
}

// Empty reports whether the payload carries no intents at all.
func (ri RoomIntents) Empty() bool {
	return len(ri.Room) == 0 && len(ri.Objects) == 0
}

// UserIntentPayload pairs intents with the user that produced them. Produced
// exactly once per user per tick by the runner, consumed exactly once by the
// processor owning the room.
type UserIntentPayload struct {
	User    string      `cbor:"user"`
	Intents RoomIntents `cbor:"intents"`
}

// EncodeIntents serializes an intent blob (stored under
// intents/<room>/<user> between the two phases).
func EncodeIntents(p UserIntentPayload) ([]byte, error) {
	return encMode.Marshal(p)
}

// DecodeIntents reverses EncodeIntents.
func DecodeIntents(b []byte) (UserIntentPayload, error) {
	var p UserIntentPayload
	err := decMode.Unmarshal(b, &p)
	return p, err
}
