// Package protocol implements the communication-induced checkpointing
// protocols of a vertex: HMNR clock bookkeeping and the timer backup.
package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownInstance = errors.New("protocol: unknown instance")
	ErrNotInitialized  = errors.New("protocol: clocks not initialized")
)

// Piggyback is the clock data carried by every data message.
type Piggyback struct {
	// Clock counts messages sent from the sender to this receiver.
	Clock uint64
	// Checkpoint is the sender's last taken checkpoint.
	Checkpoint uuid.UUID
	// Taken reports a sender checkpoint since its last send to this receiver.
	Taken bool
}

func (p Piggyback) String() string {
	return fmt.Sprintf("clock=%d ckpt=%s taken=%t", p.Clock, p.Checkpoint, p.Taken)
}
