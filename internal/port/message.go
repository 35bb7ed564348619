// Package port implements the Port & Message Layer of §4.F: the
// packed, fixed-size RPC message header, its little-endian wire
// encoding, and the Channel abstraction over a reliable byte stream
// with an optional handle-transfer capability used by local (Unix-
// domain) bindings to hand a stream buffer's backing file descriptor
// to a client without copying its contents. Grounded on the control-
// code catalogue and parameter/payload shapes of the original
// RpcProtocol.h (RPC_CALL_V31/V31C macros), translated from its
// compile-time macro table into a runtime-dispatched Go struct.
package port

import (
	"encoding/binary"
	"io"

	"github.com/simutrace/simutrace/internal/errkind"
)

// PayloadType selects how a Message's 12-byte payload union and any
// trailing out-of-band data are interpreted.
type PayloadType uint8

const (
	// Embedded carries its entire argument/result set inside the fixed
	// 12-byte payload area; no trailing data follows.
	Embedded PayloadType = iota
	// Data carries a variable-length byte blob following the header,
	// whose length is stored in the payload's second 4 bytes (after
	// Parameter1).
	Data
	// Handles carries a count of out-of-band file descriptors (payload's
	// second 4 bytes, after Parameter1), transferred via the Channel's HandleTransfer
	// capability; Data with a copied byte blob is the fallback on a
	// Channel without that capability (original doc: "content is copied
	// on submission").
	Handles
)

// headerSize is the wire size of the fixed Message header: 1 (sequence
// number) + 1 (payload type : flags) + 2 (control code / status) + 4
// (parameter0) + 12 (payload union) bytes.
const headerSize = 1 + 1 + 2 + 4 + 12

// payloadSize is the size of the trailing payload union carried inline
// in every message.
const payloadSize = 12

// Message is one RPC request or response frame (§4.F).
type Message struct {
	SequenceNumber uint8
	PayloadType    PayloadType
	Flags          uint8 // 6 bits; bits 6-7 of the packed byte hold PayloadType
	ControlCode    uint16
	Parameter0     uint32
	Payload        [payloadSize]byte
}

// Parameter1 reads the second embedded 32-bit parameter out of Payload.
func (m *Message) Parameter1() uint32 { return binary.LittleEndian.Uint32(m.Payload[0:4]) }

// SetParameter1 writes the second embedded 32-bit parameter into Payload.
func (m *Message) SetParameter1(v uint32) { binary.LittleEndian.PutUint32(m.Payload[0:4], v) }

// Parameter2 reads the third embedded 32-bit parameter out of Payload.
func (m *Message) Parameter2() uint32 { return binary.LittleEndian.Uint32(m.Payload[4:8]) }

// SetParameter2 writes the third embedded 32-bit parameter into Payload.
func (m *Message) SetParameter2(v uint32) { binary.LittleEndian.PutUint32(m.Payload[4:8], v) }

// TrailingLength reads the Data/Handles trailing-length or handle-count
// field out of Payload.
func (m *Message) TrailingLength() uint32 { return binary.LittleEndian.Uint32(m.Payload[4:8]) }

// SetTrailingLength writes the Data/Handles trailing-length or
// handle-count field into Payload.
func (m *Message) SetTrailingLength(v uint32) { binary.LittleEndian.PutUint32(m.Payload[4:8], v) }

const flagsMask = 0x3F

func packPayloadTypeFlags(t PayloadType, flags uint8) byte {
	return byte(t)<<6 | (flags & flagsMask)
}

func unpackPayloadTypeFlags(b byte) (PayloadType, uint8) {
	return PayloadType(b >> 6), b & flagsMask
}

// EncodeHeader writes m's fixed header to w.
func EncodeHeader(w io.Writer, m *Message) error {
	var buf [headerSize]byte

	buf[0] = m.SequenceNumber
	buf[1] = packPayloadTypeFlags(m.PayloadType, m.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], m.ControlCode)
	binary.LittleEndian.PutUint32(buf[4:8], m.Parameter0)
	copy(buf[8:8+payloadSize], m.Payload[:])

	_, err := w.Write(buf[:])
	if err != nil {
		return errkind.Wrap(err, errkind.Network, "write message header")
	}

	return nil
}

// DecodeHeader reads one fixed header from r.
func DecodeHeader(r io.Reader) (*Message, error) {
	var buf [headerSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, errkind.Wrap(err, errkind.Network, "read message header")
	}

	m := &Message{SequenceNumber: buf[0]}
	m.PayloadType, m.Flags = unpackPayloadTypeFlags(buf[1])
	m.ControlCode = binary.LittleEndian.Uint16(buf[2:4])
	m.Parameter0 = binary.LittleEndian.Uint32(buf[4:8])
	copy(m.Payload[:], buf[8:8+payloadSize])

	return m, nil
}

// Send writes a complete message (header plus, for PayloadType == Data,
// the trailing data blob whose length must match
// m.TrailingLength()) to w.
func Send(w io.Writer, m *Message, data []byte) error {
	if m.PayloadType == Data {
		m.SetTrailingLength(uint32(len(data))) //nolint:gosec
	}

	if err := EncodeHeader(w, m); err != nil {
		return err
	}

	if m.PayloadType != Data || len(data) == 0 {
		return nil
	}

	if _, err := w.Write(data); err != nil {
		return errkind.Wrap(err, errkind.Network, "write message payload")
	}

	return nil
}

// Receive reads one complete message (header plus, for PayloadType ==
// Data, its trailing data blob) from r.
func Receive(r io.Reader) (*Message, []byte, error) {
	m, err := DecodeHeader(r)
	if err != nil {
		return nil, nil, err
	}

	if m.PayloadType != Data {
		return m, nil, nil
	}

	n := m.TrailingLength()
	if n == 0 {
		return m, nil, nil
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Network, "read message payload")
	}

	return m, data, nil
}
