// Package processor implements the processor service: it owns rooms for one
// tick at a time, applies the intents gathered for them, and persists the
// results during the flush phase.
package processor

import (
	"fmt"
	"sort"

	"gridworld.ai/internal/room"
)

// maxSleepTicks caps how far into the future an idle room may sleep.
const maxSleepTicks = 100

// Context is the per-room, per-tick state machine. It is constructed after
// all intents for the room have been gathered, runs Process exactly once,
// is retained until the flush phase, and is never reused across ticks.
type Context struct {
	Room *room.Room
	Tick uint64

	// Faulted is set when Process panicked; the flush phase then carries
	// the prior tick's record forward instead of persisting partial state.
	Faulted bool

	reg      *room.Registry
	payloads []room.UserIntentPayload
	started  bool
}

func NewContext(r *room.Room, tick uint64, reg *room.Registry) *Context {
	return &Context{Room: r, Tick: tick, reg: reg}
}

// SaveIntents appends one user's payload. Intents are fully gathered before
// the room enters phase 1; calling this after Process has started is a
// programming error.
func (c *Context) SaveIntents(p room.UserIntentPayload) {
	if c.started {
		panic("processor: SaveIntents after Process")
	}
	c.payloads = append(c.payloads, p)
}

// Process applies all gathered intents and runs the tick's lifecycle hooks.
// A panic anywhere in hook or processor code is recovered and reported; the
// context is marked faulted and the room's partial mutations are abandoned.
func (c *Context) Process() (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Faulted = true
			err = fmt.Errorf("room %s tick %d: processing fault: %v", c.Room.Name, c.Tick, r)
		}
	}()

	c.started = true
	r := c.Room
	r.ResetEvents()
	r.NextUpdate = 0

	// Object-local bookkeeping before any intent lands.
	for _, id := range r.ObjectIDs() {
		obj := r.Object(id)
		if obj == nil {
			continue
		}
		if hook, ok := c.reg.PreHook(obj.Type); ok {
			hook(r, obj, c.Tick)
		}
	}

	// Registered room hooks, in registration order.
	for _, hook := range c.reg.RoomHooks() {
		hook(r, c.Tick)
	}

	// Intent application. Order across users is the gathered order; within
	// a user, actions and object IDs are visited in sorted order and each
	// action's argument tuples in array order, so a fixed input always
	// replays identically.
	for _, p := range c.payloads {
		c.applyUser(p)
	}

	// Post-intent passes: movement resolution, then per-object tick hooks.
	if resolve := c.reg.MoveResolver(); resolve != nil {
		resolve(r, c.Tick)
	}
	for _, id := range r.ObjectIDs() {
		obj := r.Object(id)
		if obj == nil {
			continue
		}
		if hook, ok := c.reg.TickHook(obj.Type); ok {
			hook(r, obj, c.Tick)
		}
	}

	// Clamp the sleep plan: always strictly in the future, never beyond
	// the cap.
	if r.NextUpdate == 0 || r.NextUpdate > c.Tick+maxSleepTicks {
		r.NextUpdate = c.Tick + maxSleepTicks
	}
	if r.NextUpdate <= c.Tick {
		r.NextUpdate = c.Tick + 1
	}
	return nil
}

func (c *Context) applyUser(p room.UserIntentPayload) {
	r := c.Room

	actions := make([]string, 0, len(p.Intents.Room))
	for action := range p.Intents.Room {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for _, action := range actions {
		fn, ok := c.reg.RoomAction(action)
		if !ok {
			continue
		}
		for _, args := range p.Intents.Room[action] {
			fn(r, p.User, args)
		}
	}

	objectIDs := make([]string, 0, len(p.Intents.Objects))
	for id := range p.Intents.Objects {
		objectIDs = append(objectIDs, id)
	}
	sort.Strings(objectIDs)
	for _, id := range objectIDs {
		// The object may have been destroyed by an earlier intent in
		// this same loop; that is not an error.
		obj := r.Object(id)
		if obj == nil {
			continue
		}
		byAction := p.Intents.Objects[id]
		objActions := make([]string, 0, len(byAction))
		for action := range byAction {
			objActions = append(objActions, action)
		}
		sort.Strings(objActions)
		for _, action := range objActions {
			if obj = r.Object(id); obj == nil {
				break
			}
			fn, ok := c.reg.ObjectAction(obj.Type, action)
			if !ok {
				continue
			}
			fn(r, obj, p.User, byAction[action])
		}
	}
}
