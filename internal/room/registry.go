package room

// The registry is the explicit dispatch surface for everything a tick can
// run inside a room: intent processors looked up by string key, lifecycle
// hooks, and the movement resolver. Feature modules populate a Registry at
// startup; the processor queries it at dispatch time. Instances are plain
// values so tests can build isolated registries.

// RoomActionFunc applies one room-level intent tuple under user's identity.
type RoomActionFunc func(r *Room, user string, args []any)

// ObjectActionFunc applies one object-level intent under user's identity.
type ObjectActionFunc func(r *Room, obj *Object, user string, args []any)

// RoomHookFunc is a per-tick room hook (structure decay and the like),
// run in registration order before any intent lands.
type RoomHookFunc func(r *Room, tick uint64)

// ObjectHookFunc runs once per matching object, either before intents
// (pre-tick bookkeeping) or after them (post-intent tick hook).
type ObjectHookFunc func(r *Room, obj *Object, tick uint64)

// MoveResolverFunc resolves all gathered move requests into final positions.
type MoveResolverFunc func(r *Room, tick uint64)

type Registry struct {
	roomActions   map[string]RoomActionFunc
	objectActions map[string]map[string]ObjectActionFunc
	roomHooks     []RoomHookFunc
	preHooks      map[string]ObjectHookFunc
	tickHooks     map[string]ObjectHookFunc
	moveResolver  MoveResolverFunc
}

func NewRegistry() *Registry {
	return &Registry{
		roomActions:   map[string]RoomActionFunc{},
		objectActions: map[string]map[string]ObjectActionFunc{},
		preHooks:      map[string]ObjectHookFunc{},
		tickHooks:     map[string]ObjectHookFunc{},
		moveResolver:  ResolveMoves,
	}
}

func (reg *Registry) RegisterRoomAction(action string, fn RoomActionFunc) {
	reg.roomActions[action] = fn
}

func (reg *Registry) RegisterObjectAction(objectType, action string, fn ObjectActionFunc) {
	byAction := reg.objectActions[objectType]
	if byAction == nil {
		byAction = map[string]ObjectActionFunc{}
		reg.objectActions[objectType] = byAction
	}
	byAction[action] = fn
}

func (reg *Registry) RegisterRoomHook(fn RoomHookFunc) {
	reg.roomHooks = append(reg.roomHooks, fn)
}

func (reg *Registry) RegisterPreHook(objectType string, fn ObjectHookFunc) {
	reg.preHooks[objectType] = fn
}

func (reg *Registry) RegisterTickHook(objectType string, fn ObjectHookFunc) {
	reg.tickHooks[objectType] = fn
}

func (reg *Registry) SetMoveResolver(fn MoveResolverFunc) {
	reg.moveResolver = fn
}

func (reg *Registry) RoomAction(action string) (RoomActionFunc, bool) {
	fn, ok := reg.roomActions[action]
	return fn, ok
}

func (reg *Registry) ObjectAction(objectType, action string) (ObjectActionFunc, bool) {
	fn, ok := reg.objectActions[objectType][action]
	return fn, ok
}

func (reg *Registry) RoomHooks() []RoomHookFunc { return reg.roomHooks }

func (reg *Registry) PreHook(objectType string) (ObjectHookFunc, bool) {
	fn, ok := reg.preHooks[objectType]
	return fn, ok
}

func (reg *Registry) TickHook(objectType string) (ObjectHookFunc, bool) {
	fn, ok := reg.tickHooks[objectType]
	return fn, ok
}

func (reg *Registry) MoveResolver() MoveResolverFunc { return reg.moveResolver }
