package runner

import (
	"sort"

	"gridworld.ai/internal/room"
)

// intentCost is the fixed CPU surcharge for the first intent written to a
// given action-at-receiver bucket each tick. Repeat writes to the same
// bucket are free.
const intentCost = 0.2

// IntentManager accumulates the intents produced while executing one user's
// code for one tick, grouped per room so the runner can batch-publish
// room-scoped payloads. Not safe for concurrent use: one instance belongs to
// one execution.
type IntentManager struct {
	cpu     float64
	byRoom  map[string]*intentGroup
	charged map[chargeKey]struct{}
}

type intentGroup struct {
	room    map[string][][]any
	objects map[string]map[string][]any
}

type chargeKey struct {
	room, object, action string
}

func NewIntentManager() *IntentManager {
	return &IntentManager{
		byRoom:  map[string]*intentGroup{},
		charged: map[chargeKey]struct{}{},
	}
}

func (m *IntentManager) group(roomName string) *intentGroup {
	g := m.byRoom[roomName]
	if g == nil {
		g = &intentGroup{
			room:    map[string][][]any{},
			objects: map[string]map[string][]any{},
		}
		m.byRoom[roomName] = g
	}
	return g
}

func (m *IntentManager) charge(roomName, objectID, action string) {
	k := chargeKey{room: roomName, object: objectID, action: action}
	if _, ok := m.charged[k]; ok {
		return
	}
	m.charged[k] = struct{}{}
	m.cpu += intentCost
}

// Save records a single room-level intent for action; a later Save to the
// same action replaces it.
func (m *IntentManager) Save(roomName, action string, args ...any) {
	m.charge(roomName, "", action)
	m.group(roomName).room[action] = [][]any{args}
}

// Push appends a room-level intent for action; the room may receive the
// same action several times per tick (construction-site creation and the
// like), applied in push order.
func (m *IntentManager) Push(roomName, action string, args ...any) {
	m.charge(roomName, "", action)
	g := m.group(roomName)
	g.room[action] = append(g.room[action], args)
}

// SaveObject records an object-level intent; the most recent write per
// (object, action) wins.
func (m *IntentManager) SaveObject(roomName, objectID, action string, args ...any) {
	m.charge(roomName, objectID, action)
	g := m.group(roomName)
	byAction := g.objects[objectID]
	if byAction == nil {
		byAction = map[string][]any{}
		g.objects[objectID] = byAction
	}
	byAction[action] = args
}

// CPU reports the accumulated intent surcharge for this execution.
func (m *IntentManager) CPU() float64 { return m.cpu }

// Rooms lists the rooms with pending intents, sorted.
func (m *IntentManager) Rooms() []string {
	names := make([]string, 0, len(m.byRoom))
	for name := range m.byRoom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DrainRoom removes and returns the whole intent group for one room, so the
// caller can publish it without ever double-sending.
func (m *IntentManager) DrainRoom(roomName string) (room.RoomIntents, bool) {
	g := m.byRoom[roomName]
	if g == nil {
		return room.RoomIntents{}, false
	}
	delete(m.byRoom, roomName)
	ri := room.RoomIntents{}
	if len(g.room) > 0 {
		ri.Room = g.room
	}
	if len(g.objects) > 0 {
		ri.Objects = g.objects
	}
	return ri, true
}
