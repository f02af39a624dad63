package protocol

// Storage frames: the request/response protocol between a shard client and
// the storage broker. Every client request carries a Seq; the broker answers
// with a Reply bearing the same Seq. Channel deliveries arrive as unsolicited
// Reply frames keyed by the subscription ID instead.

// Frame op codes.
const (
	OpQueuePush       = "queuePush"
	OpQueueSetVersion = "queueSetVersion"
	OpQueueConsume    = "queueConsume"
	OpChannelSub      = "channelSubscribe"
	OpChannelUnsub    = "channelUnsubscribe"
	OpChannelPublish  = "channelPublish"
	OpBlobGet         = "blobGet"
	OpBlobSet         = "blobSet"
	OpBlobDel         = "blobDel"
	OpBlobCopy        = "blobCopy"
)

// Frame is a client -> broker request.
type Frame struct {
	Op      string `json:"op"`
	Seq     uint64 `json:"seq"`
	Queue   string `json:"queue,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Key     string `json:"key,omitempty"`
	DstKey  string `json:"dstKey,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Sub     uint64 `json:"sub,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Reply is a broker -> client response or push. Seq echoes the request for
// replies; Sub identifies the subscription for channel deliveries (Seq is 0).
type Reply struct {
	Seq     uint64 `json:"seq,omitempty"`
	Sub     uint64 `json:"sub,omitempty"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}
