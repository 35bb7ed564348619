package port_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/port"
)

func TestSendReceiveEmbeddedMessage(t *testing.T) {
	t.Parallel()

	m := &port.Message{
		SequenceNumber: 5,
		PayloadType:    port.Embedded,
		Flags:          0x1F,
		ControlCode:    0x0010,
		Parameter0:     42,
	}
	m.SetParameter1(7)
	m.SetParameter2(9)

	var buf bytes.Buffer
	require.NoError(t, port.Send(&buf, m, nil))

	got, data, err := port.Receive(&buf)
	require.NoError(t, err)
	require.Nil(t, data)
	require.Equal(t, m.SequenceNumber, got.SequenceNumber)
	require.Equal(t, m.PayloadType, got.PayloadType)
	require.Equal(t, m.Flags, got.Flags)
	require.Equal(t, m.ControlCode, got.ControlCode)
	require.EqualValues(t, 42, got.Parameter0)
	require.EqualValues(t, 7, got.Parameter1())
	require.EqualValues(t, 9, got.Parameter2())
}

func TestSendReceiveDataMessageRoundTripsPayload(t *testing.T) {
	t.Parallel()

	m := &port.Message{PayloadType: port.Data, ControlCode: 0x0030}
	payload := []byte("stream descriptor bytes")

	var buf bytes.Buffer
	require.NoError(t, port.Send(&buf, m, payload))

	got, data, err := port.Receive(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.EqualValues(t, len(payload), got.TrailingLength())
}

func TestSequenceTrackerDetectsProtocolViolation(t *testing.T) {
	t.Parallel()

	var tr port.SequenceTracker

	require.NoError(t, tr.Validate(10))
	require.NoError(t, tr.Validate(11))
	require.NoError(t, tr.Validate(12))

	err := tr.Validate(20)
	require.Error(t, err)
}

func TestSequenceTrackerWrapsAt256(t *testing.T) {
	t.Parallel()

	var tr port.SequenceTracker

	require.NoError(t, tr.Validate(255))
	require.NoError(t, tr.Validate(0))
}
