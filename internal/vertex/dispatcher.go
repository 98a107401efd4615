package vertex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	"github.com/linkflow/stream/internal/message"
	"github.com/linkflow/stream/internal/protocol"
)

// FrameSender delivers encoded frames to one downstream instance.
type FrameSender interface {
	Send(ctx context.Context, frame []byte) error
}

// Dispatcher stamps outbound messages with HMNR clocks and sends them.
type Dispatcher struct {
	hmnr       *protocol.HMNR
	serializer message.Serializer
	senders    map[string]FrameSender
	downstream []Downstream
	logger     *slog.Logger
}

func NewDispatcher(hmnr *protocol.HMNR, serializer message.Serializer, senders map[string]FrameSender, downstream []Downstream, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range downstream {
		if len(d.Instances) == 0 {
			return nil, fmt.Errorf("%w: downstream %s has no instances", ErrInvalidConfig, d.Operator)
		}
		for _, name := range d.Instances {
			if _, ok := senders[name]; !ok {
				return nil, fmt.Errorf("%w: no sender for %s", ErrInvalidConfig, name)
			}
		}
	}
	return &Dispatcher{
		hmnr:       hmnr,
		serializer: serializer,
		senders:    senders,
		downstream: downstream,
		logger:     logger,
	}, nil
}

// Dispatch sends msg to one instance of every downstream operator.
func (d *Dispatcher) Dispatch(ctx context.Context, msg message.DataMessage) error {
	for _, ds := range d.downstream {
		target := pickInstance(ds.Instances, msg.Key)

		p, err := d.hmnr.BeforeSend(target)
		if err != nil {
			return fmt.Errorf("stamp message for %s: %w", target, err)
		}
		out := msg
		out.Piggyback = p

		frame, err := d.serializer.Serialize(out)
		if err != nil {
			return fmt.Errorf("serialize message for %s: %w", target, err)
		}
		if err := d.senders[target].Send(ctx, frame); err != nil {
			return fmt.Errorf("send to %s: %w", target, err)
		}
	}
	return nil
}

func pickInstance(instances []string, key string) string {
	if len(instances) == 1 {
		return instances[0]
	}
	return instances[xxhash.Sum64String(key)%uint64(len(instances))]
}
