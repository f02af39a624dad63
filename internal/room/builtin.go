package room

import "fmt"

// Object types the substrate's built-in feature set knows about.
const (
	TypeCreep            = "creep"
	TypeConstructionSite = "constructionSite"
	TypeRoad             = "road"
)

const roadDecayInterval = 1000

// RegisterBuiltins wires the substrate's smoke set of processors and hooks
// into reg: enough surface to exercise every dispatch path without pulling
// in gameplay rules.
func RegisterBuiltins(reg *Registry) {
	reg.RegisterRoomAction("createConstructionSite", createConstructionSite)
	reg.RegisterObjectAction(TypeCreep, "move", creepMove)
	reg.RegisterObjectAction(TypeCreep, "suicide", creepSuicide)
	reg.RegisterObjectAction(TypeCreep, "say", creepSay)
	reg.RegisterObjectAction(TypeCreep, "notifyWhenAttacked", creepNotifyWhenAttacked)
	reg.RegisterRoomHook(decayRoads)
}

// createConstructionSite: args are [x, y, structureType].
func createConstructionSite(r *Room, user string, args []any) {
	if len(args) < 3 {
		return
	}
	x, okX := toInt(args[0])
	y, okY := toInt(args[1])
	structureType, okT := args[2].(string)
	if !okX || !okY || !okT {
		return
	}
	id := fmt.Sprintf("cs_%s_%d_%d", structureType, x, y)
	if r.Object(id) != nil {
		return
	}
	r.AddObject(&Object{
		ID:    id,
		Type:  TypeConstructionSite,
		X:     x,
		Y:     y,
		Owner: user,
		Data:  map[string]any{"structureType": structureType, "progress": 0},
	})
	r.AddEvent(Event{Type: "constructionSite", ObjectID: id, Data: map[string]any{"user": user}})
}

// creepMove: args are [x, y]. Only the owner may move its creep; conflicts
// are settled by the movement resolver after all intents have been applied.
func creepMove(r *Room, obj *Object, user string, args []any) {
	if obj.Owner != user || len(args) < 2 {
		return
	}
	x, okX := toInt(args[0])
	y, okY := toInt(args[1])
	if !okX || !okY {
		return
	}
	r.RequestMove(obj.ID, x, y)
}

func creepSuicide(r *Room, obj *Object, user string, args []any) {
	if obj.Owner != user {
		return
	}
	r.AddEvent(Event{Type: "died", ObjectID: obj.ID})
	r.RemoveObject(obj.ID)
}

func creepSay(r *Room, obj *Object, user string, args []any) {
	if obj.Owner != user || len(args) < 1 {
		return
	}
	text, ok := args[0].(string)
	if !ok {
		return
	}
	r.AddEvent(Event{Type: "say", ObjectID: obj.ID, Data: map[string]any{"text": text}})
}

// creepNotifyWhenAttacked: args are [enabled]. Sets a per-object flag other
// systems read; last write per tick wins like any object intent.
func creepNotifyWhenAttacked(r *Room, obj *Object, user string, args []any) {
	if obj.Owner != user || len(args) < 1 {
		return
	}
	enabled, ok := args[0].(bool)
	if !ok {
		return
	}
	if obj.Data == nil {
		obj.Data = map[string]any{}
	}
	obj.Data["notifyWhenAttacked"] = enabled
	r.Touch()
}

// decayRoads chips away at road hits every roadDecayInterval ticks and
// schedules the room's next forced wake-up accordingly.
func decayRoads(r *Room, tick uint64) {
	hasRoad := false
	for _, id := range r.ObjectIDs() {
		obj := r.Objects[id]
		if obj.Type != TypeRoad {
			continue
		}
		hasRoad = true
		if tick%roadDecayInterval != 0 || tick == 0 {
			continue
		}
		obj.Hits--
		r.Touch()
		if obj.Hits <= 0 {
			r.AddEvent(Event{Type: "destroyed", ObjectID: obj.ID})
			r.RemoveObject(obj.ID)
		}
	}
	if hasRoad {
		r.WakeAt(tick - tick%roadDecayInterval + roadDecayInterval)
	}
}

// ResolveMoves is the default movement resolver: requests are applied in
// object-ID order, a cell already taken by another object blocks the move.
func ResolveMoves(r *Room, tick uint64) {
	moves := r.PendingMoves()
	if len(moves) == 0 {
		return
	}
	occupied := map[[2]int]string{}
	for id, obj := range r.Objects {
		occupied[[2]int{obj.X, obj.Y}] = id
	}
	for _, m := range moves {
		obj := r.Object(m.ObjectID)
		if obj == nil {
			continue
		}
		cell := [2]int{m.X, m.Y}
		if holder, taken := occupied[cell]; taken && holder != obj.ID {
			continue
		}
		delete(occupied, [2]int{obj.X, obj.Y})
		obj.X, obj.Y = m.X, m.Y
		occupied[cell] = obj.ID
		r.Touch()
		r.AddEvent(Event{Type: "moved", ObjectID: obj.ID, Data: map[string]any{"x": m.X, "y": m.Y}})
	}
}

// toInt accepts the numeric types CBOR and JSON decoding produce for
// intent argument tuples.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
