// Package message defines the data message exchanged between vertices and its
// wire encoding.
package message

import (
	"time"

	"github.com/linkflow/stream/internal/protocol"
)

// DataMessage carries one record between operator instances.
type DataMessage struct {
	// Key selects the target shard.
	Key       string
	Payload   []byte
	CreatedAt time.Time
	Piggyback protocol.Piggyback
}

// Serializer is the byte-level contract used by the flow controller and dispatcher.
type Serializer interface {
	Serialize(msg DataMessage) ([]byte, error)
	Deserialize(data []byte) (DataMessage, error)
}
