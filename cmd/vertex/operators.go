package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/linkflow/stream/internal/checkpoint"
	"github.com/linkflow/stream/internal/message"
	"github.com/linkflow/stream/internal/vertex"
)

func newOperator(name string) (vertex.Operator, error) {
	switch name {
	case "passthrough":
		return vertex.OperatorFunc(func(_ context.Context, msg message.DataMessage) ([]message.DataMessage, error) {
			return []message.DataMessage{message.NewMessage(msg.Key, msg.Payload)}, nil
		}), nil
	case "count":
		return &keyCounter{Counts: make(map[string]uint64)}, nil
	default:
		return nil, fmt.Errorf("unknown operator %q", name)
	}
}

// keyCounter emits the running count of every key it sees.
type keyCounter struct {
	Counts map[string]uint64
}

func (k *keyCounter) Process(_ context.Context, msg message.DataMessage) ([]message.DataMessage, error) {
	k.Counts[msg.Key]++
	payload := strconv.FormatUint(k.Counts[msg.Key], 10)
	return []message.DataMessage{message.NewMessage(msg.Key, []byte(payload))}, nil
}

func (k *keyCounter) CaptureState() ([]byte, error) {
	return checkpoint.EncodeState(k)
}

func (k *keyCounter) RestoreState(data []byte) error {
	restored := keyCounter{}
	if err := checkpoint.DecodeState(data, &restored); err != nil {
		return err
	}
	if restored.Counts == nil {
		restored.Counts = make(map[string]uint64)
	}
	*k = restored
	return nil
}
