// Package room holds the unit of world state and of work partitioning: a
// named room full of game objects. The orchestration substrate treats its
// encoded form as an opaque blob; this package is the only place that
// interprets it.
package room

import "sort"

// Room is one tick's mutable view of a room. A Room is owned by exactly one
// processor instance for exactly one tick; nothing here is safe for
// concurrent mutation. Exclusivity comes from the work queue.
type Room struct {
	Name       string             `cbor:"name"`
	Objects    map[string]*Object `cbor:"objects"`
	Controller *Controller        `cbor:"controller,omitempty"`
	EventLog   []Event            `cbor:"eventLog,omitempty"`

	// Per-tick outputs, not part of the persisted record.
	ReceivedUpdate bool   `cbor:"-"`
	NextUpdate     uint64 `cbor:"-"`

	// Pending move requests gathered during intent application, consumed
	// by the movement resolver.
	moves map[string]MoveRequest
}

// Object is a game object inside a room.
type Object struct {
	ID      string         `cbor:"id"`
	Type    string         `cbor:"type"`
	X       int            `cbor:"x"`
	Y       int            `cbor:"y"`
	Owner   string         `cbor:"owner,omitempty"`
	Hits    int            `cbor:"hits,omitempty"`
	HitsMax int            `cbor:"hitsMax,omitempty"`
	Store   map[string]int `cbor:"store,omitempty"`
	Data    map[string]any `cbor:"data,omitempty"`
}

// Controller carries the room's ownership data.
type Controller struct {
	Owner         string `cbor:"owner,omitempty"`
	Level         int    `cbor:"level,omitempty"`
	SafeModeUntil uint64 `cbor:"safeModeUntil,omitempty"`
}

// Event is one entry in the room's per-tick event log.
type Event struct {
	Type     string         `cbor:"type"`
	ObjectID string         `cbor:"objectId,omitempty"`
	Data     map[string]any `cbor:"data,omitempty"`
}

// MoveRequest is a resolved-later movement intent for one object.
type MoveRequest struct {
	ObjectID string
	X, Y     int
}

func New(name string) *Room {
	return &Room{
		Name:    name,
		Objects: map[string]*Object{},
	}
}

// Touch marks the room as mutated this tick; the flush phase will persist
// it instead of copying the prior record forward.
func (r *Room) Touch() { r.ReceivedUpdate = true }

// WakeAt lowers the room's next scheduled update to tick if it is earlier
// than the current plan. Zero NextUpdate means "not yet scheduled".
func (r *Room) WakeAt(tick uint64) {
	if r.NextUpdate == 0 || tick < r.NextUpdate {
		r.NextUpdate = tick
	}
}

// ResetEvents clears the per-tick event log; called at the start of every
// process phase.
func (r *Room) ResetEvents() { r.EventLog = nil }

// AddEvent appends to the per-tick event log.
func (r *Room) AddEvent(ev Event) { r.EventLog = append(r.EventLog, ev) }

// AddObject inserts obj and marks the room updated.
func (r *Room) AddObject(obj *Object) {
	r.Objects[obj.ID] = obj
	r.Touch()
}

// RemoveObject deletes the object if present and marks the room updated.
func (r *Room) RemoveObject(id string) {
	if _, ok := r.Objects[id]; !ok {
		return
	}
	delete(r.Objects, id)
	delete(r.moves, id)
	r.Touch()
}

// Object resolves an object by ID; nil if it no longer exists.
func (r *Room) Object(id string) *Object { return r.Objects[id] }

// RequestMove records a movement intent for the resolver pass. The last
// request per object wins.
func (r *Room) RequestMove(id string, x, y int) {
	if r.moves == nil {
		r.moves = map[string]MoveRequest{}
	}
	r.moves[id] = MoveRequest{ObjectID: id, X: x, Y: y}
}

// PendingMoves returns this tick's move requests sorted by object ID, so
// resolution order is deterministic. The pending set is cleared.
func (r *Room) PendingMoves() []MoveRequest {
	if len(r.moves) == 0 {
		return nil
	}
	out := make([]MoveRequest, 0, len(r.moves))
	for _, m := range r.moves {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	r.moves = nil
	return out
}

// ObjectIDs returns all object IDs in sorted order. Hooks iterate through
// this so two runs over the same room visit objects identically.
func (r *Room) ObjectIDs() []string {
	ids := make([]string, 0, len(r.Objects))
	for id := range r.Objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
