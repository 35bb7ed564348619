// Package types holds the wire-level data model of §3: stream type and
// stream descriptors, the segment control element, range information,
// and the stream-open query/access-flag vocabulary. Field names and
// constants are taken from the original SimuStorTypes.h so that the
// numeric encodings (variable-entry flag, temporal-order cycle-count
// width) match the source this spec was distilled from.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/simutrace/simutrace/internal/errkind"
)

// MaxStreamNameLength bounds StreamDescriptor.Name and
// StreamTypeDescriptor.Name (NUL-terminated on the wire, §3).
const MaxStreamNameLength = 256

// VariableEntrySizeFlag is the high bit of StreamTypeDescriptor.EntrySize
// that marks a variable-sized entry type; the remaining bits carry the
// size hint instead of the exact fixed size.
const VariableEntrySizeFlag uint32 = 0x80000000

// VDataBlockHeaderSize is the size in bytes of a VariableDataBlock
// header (continuation:1 bit, size:14 bit, reserved:1 bit, packed into
// one uint16).
const VDataBlockHeaderSize = 2

// VariableEntryMaxSize is the largest size hint makeVariableEntrySize
// accepts: a 14-bit payload plus the block header.
const VariableEntryMaxSize = (1 << 14) - 1 + VDataBlockHeaderSize

// VariableEntryEmptyIndex is the reserved raw-entry index that encodes
// a skipped logical entry in a variable-sized stream.
const VariableEntryEmptyIndex = ^uint64(0) - 1

// TemporalOrderCycleCountBits is the width of the cycle-count field
// that a TemporalOrder stream's first 48 bits must carry.
const TemporalOrderCycleCountBits = 48

// TemporalOrderCycleCountMask masks a 64-bit cycle counter down to its
// 48 significant bits.
const TemporalOrderCycleCountMask = (uint64(1) << TemporalOrderCycleCountBits) - 1

// InvalidCycleCount, InvalidEntryIndex and InvalidTimeStamp are the
// shared "not applicable" sentinel for the three range dimensions.
const (
	InvalidCycleCount = ^uint64(0)
	InvalidEntryIndex = ^uint64(0)
	InvalidTimeStamp  = ^uint64(0)
)

// StreamTypeFlags describes properties of the entries in a stream.
type StreamTypeFlags uint32

const (
	// StfNone sets no flag.
	StfNone StreamTypeFlags = 0
	// StfTemporalOrder marks entries as beginning with a 48-bit
	// monotonically increasing cycle counter.
	StfTemporalOrder StreamTypeFlags = 0x01
	// StfBigEndian is reserved; not supported.
	StfBigEndian StreamTypeFlags = 0x02
	// StfArch32Bit marks a type meant for 32-bit architectures.
	StfArch32Bit StreamTypeFlags = 0x04
)

// MakeVariableEntrySize encodes a size hint into an EntrySize value
// carrying the variable-entry marker, clamping the hint to
// VariableEntryMaxSize.
func MakeVariableEntrySize(sizeHint uint32) uint32 {
	if sizeHint > VariableEntryMaxSize {
		sizeHint = VariableEntryMaxSize
	}

	return sizeHint | VariableEntrySizeFlag
}

// IsVariableEntrySize reports whether entrySize carries the
// variable-entry marker.
func IsVariableEntrySize(entrySize uint32) bool {
	return entrySize&VariableEntrySizeFlag != 0
}

// SizeHint extracts the size hint from a variable EntrySize value.
func SizeHint(entrySize uint32) uint32 {
	return entrySize &^ VariableEntrySizeFlag
}

// EntrySize returns the exact fixed size (for fixed-entry types) or the
// size hint (for variable-entry types), stripping the marker bit
// either way.
func EntrySize(entrySize uint32) uint32 {
	return entrySize &^ VariableEntrySizeFlag
}

// StreamTypeDescriptor is the fixed-size record describing the type of
// entries stored in a stream.
type StreamTypeDescriptor struct {
	Name      string
	TypeID    uuid.UUID
	Flags     StreamTypeFlags
	EntrySize uint32
}

// Validate enforces the invariants of §3: entry size > 0; TemporalOrder
// implies fixed entries of at least 6 bytes (48-bit cycle field).
func (d StreamTypeDescriptor) Validate() error {
	if len(d.Name) > MaxStreamNameLength {
		return errkind.Newf(errkind.ArgumentOutOfBounds, "stream type name exceeds %d bytes", MaxStreamNameLength)
	}

	size := EntrySize(d.EntrySize)
	if size == 0 {
		return errkind.New(errkind.Argument, "entry size must be greater than zero")
	}

	if d.Flags&StfTemporalOrder != 0 {
		if IsVariableEntrySize(d.EntrySize) {
			return errkind.New(errkind.Argument, "temporal-order streams require fixed-size entries")
		}

		if size < 6 {
			return errkind.New(errkind.Argument, "temporal-order entries must be at least 6 bytes (48-bit cycle field)")
		}
	}

	return nil
}

// StreamFlags describes general stream properties independent of the
// entry type.
type StreamFlags uint32

const (
	// SfNone is a regular recording stream.
	SfNone StreamFlags = 0
	// SfHidden marks an internal stream not shown by default.
	SfHidden StreamFlags = 0x01
	// SfDynamic marks a stream whose entries are produced on demand.
	SfDynamic StreamFlags = 0x02
)

// StreamDescriptor describes a stream to be registered.
type StreamDescriptor struct {
	Name  string
	Flags StreamFlags
	Type  StreamTypeDescriptor
}

// StreamEnumFilter selects which streams StreamEnumerate returns.
type StreamEnumFilter uint32

const (
	SefRegular StreamEnumFilter = 0x01
	SefHidden  StreamEnumFilter = 0x02
	SefDynamic StreamEnumFilter = 0x04
	SefAll                      = SefRegular | SefHidden | SefDynamic
)

// Range is a half-open [Start, End) range over one index dimension.
type Range struct {
	Start uint64
	End   uint64
}

// StreamRangeInformation covers the three ranges a segment or stream
// spans: entry index, cycle count, and wall-clock time.
type StreamRangeInformation struct {
	Index Range
	Cycle Range
	Time  Range
}

// NewStreamRangeInformation returns range information with every bound
// set to its "not applicable" sentinel.
func NewStreamRangeInformation() StreamRangeInformation {
	return StreamRangeInformation{
		Index: Range{Start: InvalidEntryIndex, End: InvalidEntryIndex},
		Cycle: Range{Start: InvalidCycleCount, End: InvalidCycleCount},
		Time:  Range{Start: InvalidTimeStamp, End: InvalidTimeStamp},
	}
}

// SegmentControlElement is the server-stamped header carried at the end
// of every segment line (§3, §4.A). Client code writes only EntryCount
// and RawEntryCount; every other field is stamped by the server.
type SegmentControlElement struct {
	Cookie         uint64
	Link           StreamSegmentLink
	EntryCount     uint32
	RawEntryCount  uint32
	StartIndex     uint64
	StartCycle     uint64
	EndCycle       uint64
	StartTime      time.Time
	EndTime        time.Time
}

// StreamSegmentLink identifies one segment within one stream. Defined
// here (rather than imported from ids) to keep the wire-model package
// free of a dependency on the id-allocation package; store/stream
// convert to/from ids.StreamSegmentLink at their boundary.
type StreamSegmentLink struct {
	Stream         uint32
	SequenceNumber uint32
}

// QueryIndexType selects how a StreamOpenQuery's Value is interpreted.
type QueryIndexType int

const (
	QIndex      QueryIndexType = iota // entry index
	QCycleCount                      // cycle count
	QRealTime                        // wall-clock time

	QSequenceNumber              // exact stream-segment sequence number
	QNextValidSequenceNumber     // next non-gap sequence number >= Value
	QPreviousValidSequenceNumber // previous non-gap sequence number <= Value

	QUserIndex0 // free for dynamic-stream use
	QUserIndex1
	QUserIndex2
	QUserIndex3
)

// IsTreeIndexed reports whether q is served by one of Stream's three
// ordered range indexes rather than direct lookup or generator dispatch.
func (q QueryIndexType) IsTreeIndexed() bool {
	return q == QIndex || q == QCycleCount || q == QRealTime
}

// StreamAccessFlags hints caching/read-ahead policy to Store (§4.C) and
// carries protocol-level behavior flags.
type StreamAccessFlags uint32

const (
	SafNone           StreamAccessFlags = 0
	SafSequentialScan StreamAccessFlags = 0x01
	SafRandomAccess   StreamAccessFlags = 0x02
	SafSynchronous    StreamAccessFlags = 0x04
	SafReverseQuery   StreamAccessFlags = 0x08
	SafReverseRead    StreamAccessFlags = 0x10
	SafUserFlag0      StreamAccessFlags = 0x20
	SafUserFlag1      StreamAccessFlags = 0x40
	SafUserFlag2      StreamAccessFlags = 0x80
	SafUserFlag3      StreamAccessFlags = 0x100
)

// StreamOpenQuery is the argument to Stream's open/closeAndOpen
// operations (§4.B).
type StreamOpenQuery struct {
	Type        QueryIndexType
	Value       uint64
	AccessFlags StreamAccessFlags
}

// String renders a stream type descriptor for logging.
func (d StreamTypeDescriptor) String() string {
	return fmt.Sprintf("StreamType{name=%q id=%s flags=%#x entrySize=%#x}", d.Name, d.TypeID, d.Flags, d.EntrySize)
}
