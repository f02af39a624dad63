package protocol

// Control messages exchanged over the runner and processor channels. The
// orchestrator publishes phase transitions; services answer with per-unit
// acknowledgements. Field names are the wire contract shared with every
// process on the shard.

// runnerConnected (runner -> orchestrator)
type RunnerConnectedMsg struct {
	Type string `json:"type"`
}

// processorConnected (processor -> orchestrator)
type ProcessorConnectedMsg struct {
	Type string `json:"type"`
}

// processUsers (orchestrator -> runners): start the user-code phase for tick Time.
type ProcessUsersMsg struct {
	Type string `json:"type"`
	Time uint64 `json:"time"`
}

// processedUser (runner -> orchestrator): one user's code finished. Error is
// set when the user's code threw; the tick still advances for everyone else.
type ProcessedUserMsg struct {
	Type      string   `json:"type"`
	UserID    string   `json:"userId"`
	RoomNames []string `json:"roomNames,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// processRooms (orchestrator -> processors): start the room phase for tick Time.
type ProcessRoomsMsg struct {
	Type string `json:"type"`
	Time uint64 `json:"time"`
}

// processedRoom (processor -> orchestrator): one room's intents applied.
type ProcessedRoomMsg struct {
	Type     string `json:"type"`
	RoomName string `json:"roomName"`
	Error    string `json:"error,omitempty"`
}

// flushRooms (orchestrator -> processors): persist every retained room.
type FlushRoomsMsg struct {
	Type string `json:"type"`
}

// flushedRooms (processor -> orchestrator): flush phase done for this processor.
type FlushedRoomsMsg struct {
	Type  string      `json:"type"`
	Rooms []RoomFlush `json:"rooms"`
}

type RoomFlush struct {
	Name       string `json:"name"`
	SleepUntil uint64 `json:"sleepUntil"`
}

// shutdown (orchestrator -> everyone): cooperative stop after in-flight work.
type ShutdownMsg struct {
	Type string `json:"type"`
}

// RoomWork is the processRooms queue item: one room plus the users that
// produced intents for it this tick.
type RoomWork struct {
	Room  string   `json:"room"`
	Users []string `json:"users,omitempty"`
}
