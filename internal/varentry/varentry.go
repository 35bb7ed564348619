// Package varentry implements the VariableDataBlock encoding of §3 and
// §4.B: a logical record is split into size-hint blocks, each prefixed
// by a 16-bit header {continuation:1, size:14}, chained via the
// continuation bit and zero-padded in its last block to help
// compression. Block layout and the empty-entry sentinel are taken
// directly from the original source's writeVariableData/
// readVariableData/findVariableEntry.
package varentry

import (
	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/types"
)

const headerSize = types.VDataBlockHeaderSize

// header packs {reserved:1, continuation:1, size:14} into 16 bits,
// little-endian on the wire.
type header uint16

func makeHeader(continuation bool, size uint16) header {
	h := header(size & 0x3FFF)
	if continuation {
		h |= 1 << 14
	}

	return h
}

func (h header) continuation() bool { return h&(1<<14) != 0 }
func (h header) size() uint16       { return uint16(h & 0x3FFF) }

func putHeader(dst []byte, h header) {
	dst[0] = byte(h)
	dst[1] = byte(h >> 8)
}

func getHeader(src []byte) header {
	return header(uint16(src[0]) | uint16(src[1])<<8)
}

// Write encodes data into dst as a chain of sizeHint-byte blocks,
// zero-padding the final block. dst must be at least BlockCount(len(data),
// sizeHint) * sizeHint bytes. It returns the number of blocks written.
func Write(dst []byte, data []byte, sizeHint uint32) (blocks int, err error) {
	if sizeHint <= headerSize || sizeHint > types.VariableEntryMaxSize {
		return 0, errkind.Newf(errkind.ArgumentOutOfBounds, "size hint %d out of range", sizeHint)
	}

	if len(data) == 0 {
		return 0, errkind.New(errkind.ArgumentNull, "variable-sized entry data must not be empty")
	}

	blockData := int(sizeHint) - headerSize
	need := BlockCount(len(data), sizeHint) * int(sizeHint)

	if len(dst) < need {
		return 0, errkind.Newf(errkind.ArgumentOutOfBounds, "destination too small: need %d, have %d", need, len(dst))
	}

	remaining := data

	for {
		chunk := blockData
		if chunk > len(remaining) {
			chunk = len(remaining)
		}

		putHeader(dst, makeHeader(chunk < len(remaining), uint16(chunk)))
		n := copy(dst[headerSize:], remaining[:chunk])

		// Zero-pad the rest of the block to aid compression.
		for i := headerSize + n; i < int(sizeHint); i++ {
			dst[i] = 0
		}

		dst = dst[sizeHint:]
		remaining = remaining[chunk:]
		blocks++

		if len(remaining) == 0 {
			break
		}
	}

	return blocks, nil
}

// EmptyEntryOffset is FindEntry's result for a logical entry written by
// WriteEmpty: the slot occupies one localSearchIndex position but
// carries no payload, mirroring types.VariableEntryEmptyIndex.
const EmptyEntryOffset = -2

// WriteEmpty writes a single zero-payload, non-continuation block to
// dst, marking a skipped logical entry (types.VariableEntryEmptyIndex)
// without consuming any of the caller's data. dst must be at least
// sizeHint bytes; Write can never itself produce such a block, so the
// marker is unambiguous.
func WriteEmpty(dst []byte, sizeHint uint32) error {
	if sizeHint <= headerSize || sizeHint > types.VariableEntryMaxSize {
		return errkind.Newf(errkind.ArgumentOutOfBounds, "size hint %d out of range", sizeHint)
	}

	if len(dst) < int(sizeHint) {
		return errkind.Newf(errkind.ArgumentOutOfBounds, "destination too small: need %d, have %d", sizeHint, len(dst))
	}

	putHeader(dst, makeHeader(false, 0))

	for i := headerSize; i < int(sizeHint); i++ {
		dst[i] = 0
	}

	return nil
}

func isEmptyBlock(h header) bool {
	return !h.continuation() && h.size() == 0
}

// BlockCount returns the number of sizeHint-byte blocks Write needs to
// encode dataLen bytes of payload.
func BlockCount(dataLen int, sizeHint uint32) int {
	blockData := int(sizeHint) - headerSize
	if blockData <= 0 {
		return 0
	}

	n := (dataLen + blockData - 1) / blockData
	if n == 0 {
		n = 1
	}

	return n
}

// Read decodes a chain of sizeHint-byte blocks starting at src,
// returning the reassembled payload.
func Read(src []byte, sizeHint uint32) ([]byte, error) {
	if sizeHint <= headerSize {
		return nil, errkind.Newf(errkind.ArgumentOutOfBounds, "size hint %d out of range", sizeHint)
	}

	var out []byte

	for {
		if len(src) < headerSize {
			return nil, errkind.New(errkind.Argument, "truncated variable-data block header")
		}

		h := getHeader(src)
		size := int(h.size())

		if headerSize+size > len(src) {
			return nil, errkind.New(errkind.Argument, "truncated variable-data block payload")
		}

		out = append(out, src[headerSize:headerSize+size]...)

		if !h.continuation() {
			return out, nil
		}

		if len(src) < int(sizeHint) {
			return nil, errkind.New(errkind.Argument, "missing continuation block")
		}

		src = src[sizeHint:]
	}
}

// FindEntry returns the byte offset of the localSearchIndex-th logical
// entry's first block within buffer, walking block-by-block and
// counting a completed (non-continuation) block as the end of one
// entry. It returns -1 if the index is not present.
func FindEntry(buffer []byte, sizeHint uint32, localSearchIndex uint64) int {
	if sizeHint <= headerSize {
		return -1
	}

	var (
		localIndex  uint64
		entryStart  = 0
		blockOffset = 0
	)

	for blockOffset+headerSize <= len(buffer) {
		h := getHeader(buffer[blockOffset:])

		if !h.continuation() {
			if localIndex == localSearchIndex {
				if isEmptyBlock(h) {
					return EmptyEntryOffset
				}

				return entryStart
			}

			localIndex++
			entryStart = blockOffset + int(sizeHint)
		}

		blockOffset += int(sizeHint)
	}

	return -1
}
