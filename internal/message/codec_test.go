package message

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/linkflow/stream/internal/protocol"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec()
	msg := DataMessage{
		Key:       "user-42",
		Payload:   []byte(`{"count":3}`),
		CreatedAt: time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC),
		Piggyback: protocol.Piggyback{
			Clock:      1<<40 + 7,
			Checkpoint: uuid.New(),
			Taken:      true,
		},
	}

	data, err := codec.Serialize(msg)
	require.NoError(t, err)
	got, err := codec.Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, msg.Key, got.Key)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, msg.Piggyback, got.Piggyback)
}

func TestCodec_ZeroPiggyback(t *testing.T) {
	codec := NewCodec()

	data, err := codec.Serialize(DataMessage{Key: "k"})
	require.NoError(t, err)
	got, err := codec.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, protocol.Piggyback{}, got.Piggyback)
	assert.True(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.Payload)
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	codec := NewCodec()
	data, err := codec.Serialize(DataMessage{Key: "k", Piggyback: protocol.Piggyback{Clock: 9}})
	require.NoError(t, err)

	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer sender")
	data = protowire.AppendTag(data, 100, protowire.VarintType)
	data = protowire.AppendVarint(data, 5)

	got, err := codec.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, "k", got.Key)
	assert.Equal(t, uint64(9), got.Piggyback.Clock)
}

func TestCodec_Malformed(t *testing.T) {
	codec := NewCodec()

	var truncated []byte
	truncated = protowire.AppendTag(truncated, fieldPayload, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	truncated = append(truncated, 'x')

	_, err := codec.Deserialize(truncated)
	assert.ErrorIs(t, err, ErrMalformed)

	var badID []byte
	badID = protowire.AppendTag(badID, fieldCheckpoint, protowire.BytesType)
	badID = protowire.AppendBytes(badID, []byte{1, 2, 3})

	_, err = codec.Deserialize(badID)
	assert.ErrorIs(t, err, ErrMalformed)
}
