package protocol

import "encoding/json"

// Control message types carried on the runner/processor channels.
const (
	TypeRunnerConnected    = "runnerConnected"
	TypeProcessorConnected = "processorConnected"
	TypeProcessUsers       = "processUsers"
	TypeProcessedUser      = "processedUser"
	TypeProcessRooms       = "processRooms"
	TypeProcessedRoom      = "processedRoom"
	TypeFlushRooms         = "flushRooms"
	TypeFlushedRooms       = "flushedRooms"
	TypeShutdown           = "shutdown"
)

// Channel topics used by the tick control plane.
const (
	TopicRunner    = "runner"
	TopicProcessor = "processor"
)

// Queue names.
const (
	QueueRunnerUsers  = "runnerUsers"
	QueueProcessRooms = "processRooms"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
