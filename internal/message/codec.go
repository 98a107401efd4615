package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var ErrMalformed = errors.New("message: malformed frame")

// Field numbers of the data message frame.
const (
	fieldKey        protowire.Number = 1
	fieldPayload    protowire.Number = 2
	fieldCreatedAt  protowire.Number = 3
	fieldClock      protowire.Number = 4
	fieldCheckpoint protowire.Number = 5
	fieldTaken      protowire.Number = 6
)

// Codec encodes data messages in protobuf wire format. Unknown fields are skipped.
type Codec struct{}

func NewCodec() Codec { return Codec{} }

func (Codec) Serialize(msg DataMessage) ([]byte, error) {
	var b []byte
	if msg.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, msg.Key)
	}
	if len(msg.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Payload)
	}
	if !msg.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(msg.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal created_at: %w", err)
		}
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	if msg.Piggyback.Clock != 0 {
		b = protowire.AppendTag(b, fieldClock, protowire.VarintType)
		b = protowire.AppendVarint(b, msg.Piggyback.Clock)
	}
	if msg.Piggyback.Checkpoint != uuid.Nil {
		b = protowire.AppendTag(b, fieldCheckpoint, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Piggyback.Checkpoint[:])
	}
	if msg.Piggyback.Taken {
		b = protowire.AppendTag(b, fieldTaken, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b, nil
}

func (Codec) Deserialize(data []byte) (DataMessage, error) {
	var msg DataMessage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return DataMessage{}, fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return DataMessage{}, fieldErr("key", n)
			}
			msg.Key = v
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return DataMessage{}, fieldErr("payload", n)
			}
			msg.Payload = append([]byte(nil), v...)
			data = data[n:]
		case num == fieldCreatedAt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return DataMessage{}, fieldErr("created_at", n)
			}
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return DataMessage{}, fmt.Errorf("%w: created_at: %w", ErrMalformed, err)
			}
			msg.CreatedAt = ts.AsTime()
			data = data[n:]
		case num == fieldClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return DataMessage{}, fieldErr("clock", n)
			}
			msg.Piggyback.Clock = v
			data = data[n:]
		case num == fieldCheckpoint && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return DataMessage{}, fieldErr("checkpoint", n)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return DataMessage{}, fmt.Errorf("%w: checkpoint: %w", ErrMalformed, err)
			}
			msg.Piggyback.Checkpoint = id
			data = data[n:]
		case num == fieldTaken && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return DataMessage{}, fieldErr("taken", n)
			}
			msg.Piggyback.Taken = protowire.DecodeBool(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return DataMessage{}, fieldErr(fmt.Sprintf("field %d", num), n)
			}
			data = data[n:]
		}
	}
	return msg, nil
}

// Decode lets the codec feed a flow controller.
func (c Codec) Decode(data []byte) (DataMessage, error) {
	return c.Deserialize(data)
}

// NewMessage stamps a message with the current time.
func NewMessage(key string, payload []byte) DataMessage {
	return DataMessage{Key: key, Payload: payload, CreatedAt: time.Now().UTC()}
}

func fieldErr(field string, n int) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformed, field, protowire.ParseError(n))
}
