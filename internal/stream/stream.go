// Package stream implements the per-stream metadata, sequence-number
// allocator, range indexes and append/read state machine of §4.B. The
// three ordered range indexes (by entry-index, cycle-count and
// wall-clock-time start) are github.com/petar/GoLLRB red-black trees,
// giving the "caller scans within the returned segment" query model of
// §4.B an O(log n) floor lookup instead of a linear scan.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petar/GoLLRB/llrb"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/segmentpool"
	"github.com/simutrace/simutrace/internal/types"
)

// State is a segment's position in the per-segment state machine of
// §4.B.
type State int

const (
	Free State = iota
	Writing
	Completing
	Committed
	Aborted
)

// StorageLocation is the metadata Stream keeps for one sequence number:
// compressed size, raw entry count and the three range descriptors
// (§4.B).
type StorageLocation struct {
	Link           ids.StreamSegmentLink
	Ranges         types.StreamRangeInformation
	CompressedSize uint64
	RawEntryCount  uint32
	State          State

	// segmentID is the buffer-pool segment backing this location while
	// it is Writing or Completing; it is segmentpool's ids.Invalid once
	// Committed or Aborted, since the pool line has been released back.
	segmentID ids.ObjectId
}

// EntryCount returns the number of entries the location's index range
// covers, or 0 if the segment was never index-addressed.
func (l *StorageLocation) EntryCount() uint64 {
	if l.Ranges.Index.Start == types.InvalidEntryIndex {
		return 0
	}

	return l.Ranges.Index.End - l.Ranges.Index.Start
}

// Generator identifies the opaque entry-producing collaborator of a
// dynamic stream (§4.B "Dynamic streams"). The core never interprets
// it; it is forwarded verbatim to whatever registered it.
type Generator struct {
	ID ids.ObjectId
}

// Stream owns one stream's sequence allocator, range indexes and
// segment state machine.
type Stream struct {
	id     ids.ObjectId
	desc   types.StreamDescriptor
	buffer *segmentpool.Buffer

	dynamic *Generator

	mu         sync.Mutex // serializes sequence-number allocation (§5)
	nextSeq    uint64
	locations  map[uint64]*StorageLocation
	gaps       map[uint64]bool
	byIndex    *llrb.LLRB
	byCycle    *llrb.LLRB
	byRealTime *llrb.LLRB
}

// New creates a Stream bound to buffer, or a dynamic stream carrying
// gen (buffer is nil for dynamic streams: §4.B "entries are not
// materialized from storage").
func New(id ids.ObjectId, desc types.StreamDescriptor, buffer *segmentpool.Buffer, gen *Generator) (*Stream, error) {
	if desc.Flags&types.SfDynamic != 0 {
		if gen == nil {
			return nil, errkind.New(errkind.Argument, "dynamic stream requires a generator")
		}
	} else if err := desc.Type.Validate(); err != nil {
		return nil, err
	}

	return &Stream{
		id:         id,
		desc:       desc,
		buffer:     buffer,
		dynamic:    gen,
		locations:  make(map[uint64]*StorageLocation),
		gaps:       make(map[uint64]bool),
		byIndex:    llrb.New(),
		byCycle:    llrb.New(),
		byRealTime: llrb.New(),
	}, nil
}

// ID returns the stream's id.
func (s *Stream) ID() ids.ObjectId { return s.id }

// Descriptor returns the stream's registration descriptor.
func (s *Stream) Descriptor() types.StreamDescriptor { return s.desc }

// IsDynamic reports whether the stream is a dynamic (generator-backed)
// stream.
func (s *Stream) IsDynamic() bool { return s.dynamic != nil }

// Generator returns the dynamic stream's opaque generator, or nil for
// a regular stream.
func (s *Stream) Generator() *Generator { return s.dynamic }

// Hidden reports whether the stream carries the Hidden flag.
func (s *Stream) Hidden() bool { return s.desc.Flags&types.SfHidden != 0 }

// rangeItem is one entry in an LLRB range index: the start of a range
// plus the sequence number it belongs to, so two segments that happen
// to start at the same value still order deterministically.
type rangeItem struct {
	start uint64
	seq   uint64
}

func (a rangeItem) Less(other llrb.Item) bool {
	b := other.(rangeItem) //nolint:forcetypeassert
	if a.start != b.start {
		return a.start < b.start
	}

	return a.seq < b.seq
}

// Append allocates a segment from the stream's buffer and opens it for
// writing: it stamps the control element's link and start_time (left
// unset when startTimeUnixNano is 0), assigns
// the next sequence number, and marks the location Writing (§4.B
// "append(stream, writer)"). Dynamic streams do not support Append.
func (s *Stream) Append(ctx context.Context, startTimeUnixNano int64) (ids.ObjectId, *types.SegmentControlElement, uint64, error) {
	if s.IsDynamic() {
		return ids.Invalid, nil, 0, errkind.New(errkind.NotSupported, "dynamic streams do not support append")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	segID, err := s.buffer.Allocate(ctx)
	if err != nil {
		return ids.Invalid, nil, 0, err
	}

	ctrl, err := s.buffer.Control(segID)
	if err != nil {
		return ids.Invalid, nil, 0, err
	}

	seq := s.nextSeq
	s.nextSeq++

	*ctrl = types.SegmentControlElement{
		Link: types.StreamSegmentLink{Stream: uint32(s.id), SequenceNumber: uint32(seq)},
	}

	if startTimeUnixNano != 0 {
		ctrl.StartTime = time.Unix(0, startTimeUnixNano)
	}

	loc := &StorageLocation{
		Link:      ids.StreamSegmentLink{Stream: s.id, SequenceNumber: ids.ObjectId(seq)},
		Ranges:    types.NewStreamRangeInformation(),
		State:     Writing,
		segmentID: segID,
	}
	s.locations[seq] = loc

	return segID, ctrl, seq, nil
}

// EntrySize returns the fixed size (or size hint, for variable-entry
// types) of one entry.
func (s *Stream) EntrySize() uint32 {
	return types.EntrySize(s.desc.Type.EntrySize)
}

// Close finalizes a writer segment: it derives the end-of-range values
// from the control element the caller has already stamped with
// entryCount/rawEntryCount (and, for TemporalOrder streams, the
// min/max cycle counts scanned from the raw entries), and transitions
// the location from Writing to Completing, awaiting a backend commit
// decision (§4.B).
func (s *Stream) Close(seq uint64, ctrl *types.SegmentControlElement, startIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[seq]
	if !ok || loc.State != Writing {
		return errkind.New(errkind.InvalidOperation, "segment is not open for writing")
	}

	loc.Ranges.Index = types.Range{Start: startIndex, End: startIndex + uint64(ctrl.EntryCount)}
	loc.Ranges.Cycle = types.Range{Start: ctrl.StartCycle, End: ctrl.EndCycle}
	loc.Ranges.Time = types.Range{
		Start: uint64(ctrl.StartTime.UnixNano()), //nolint:gosec
		End:   uint64(ctrl.EndTime.UnixNano()),   //nolint:gosec
	}
	loc.RawEntryCount = ctrl.RawEntryCount
	loc.State = Completing

	return nil
}

// Commit marks a Completing segment Committed once the backend has
// durably stored it, releases its buffer-pool line, and inserts it
// into the three range indexes (§4.B, §4.C).
func (s *Stream) Commit(seq uint64, compressedSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[seq]
	if !ok || loc.State != Completing {
		return errkind.New(errkind.InvalidOperation, "segment is not pending commit")
	}

	loc.CompressedSize = compressedSize
	loc.State = Committed

	if err := s.buffer.Release(loc.segmentID); err != nil {
		return err
	}

	loc.segmentID = ids.Invalid

	if loc.Ranges.Index.Start != types.InvalidEntryIndex {
		s.byIndex.ReplaceOrInsert(rangeItem{start: loc.Ranges.Index.Start, seq: seq})
	}

	if loc.Ranges.Cycle.Start != types.InvalidCycleCount {
		s.byCycle.ReplaceOrInsert(rangeItem{start: loc.Ranges.Cycle.Start, seq: seq})
	}

	if loc.Ranges.Time.Start != types.InvalidTimeStamp {
		s.byRealTime.ReplaceOrInsert(rangeItem{start: loc.Ranges.Time.Start, seq: seq})
	}

	return nil
}

// Abort marks a segment Aborted, releases its buffer-pool line, and
// records the gap so NextValidSequenceNumber/PreviousValidSequenceNumber
// skip over it (§4.C "any backend error during commit marks the
// segment Aborted ... does not fail the stream").
func (s *Stream) Abort(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[seq]
	if !ok {
		return errkind.New(errkind.InvalidOperation, "unknown sequence number")
	}

	if loc.segmentID != ids.Invalid {
		if err := s.buffer.Release(loc.segmentID); err != nil {
			return err
		}

		loc.segmentID = ids.Invalid
	}

	loc.State = Aborted
	s.gaps[seq] = true

	return nil
}

// Location returns the metadata for one sequence number.
func (s *Stream) Location(seq uint64) (*StorageLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[seq]

	return loc, ok
}

// SegmentID returns the buffer-pool segment backing seq while it is
// Writing or Completing, and false once it has been Committed or
// Aborted (the pool line has already been released).
func (s *Stream) SegmentID(seq uint64) (ids.ObjectId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[seq]
	if !ok || loc.segmentID == ids.Invalid {
		return ids.Invalid, false
	}

	return loc.segmentID, true
}

// Buffer returns the segment buffer pool backing this stream, or nil
// for a dynamic stream.
func (s *Stream) Buffer() *segmentpool.Buffer { return s.buffer }

// NextSequenceNumber returns the sequence number Append would assign
// next.
func (s *Stream) NextSequenceNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextSeq
}

// Resolve answers a StreamOpenQuery with the sequence number of the
// candidate segment the caller should scan within (§4.B "the index
// tree returns the segment whose range contains the value; the caller
// scans within"). For tree-indexed queries it returns the entry whose
// range start is the largest value <= q.Value (a floor lookup); for
// QSequenceNumber it is a direct map lookup; Next/PreviousValid skip
// the stream's recorded gaps.
func (s *Stream) Resolve(q types.StreamOpenQuery) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch q.Type {
	case types.QIndex:
		return s.floorLocked(s.byIndex, q.Value)
	case types.QCycleCount:
		return s.floorLocked(s.byCycle, q.Value)
	case types.QRealTime:
		return s.floorLocked(s.byRealTime, q.Value)
	case types.QSequenceNumber:
		if _, ok := s.locations[q.Value]; !ok {
			return 0, errkind.New(errkind.NotFound, "no such sequence number")
		}

		return q.Value, nil
	case types.QNextValidSequenceNumber:
		return s.nextValidLocked(q.Value)
	case types.QPreviousValidSequenceNumber:
		return s.previousValidLocked(q.Value)
	case types.QUserIndex0, types.QUserIndex1, types.QUserIndex2, types.QUserIndex3:
		// §4.B "The core treats dynamic streams as opaque: queries are
		// forwarded verbatim ... with no semantic enforcement." The
		// core has nothing to resolve; the caller dispatches to the
		// generator directly with the query untouched.
		return q.Value, nil
	default:
		return 0, errkind.Newf(errkind.Argument, "unsupported query type %d", q.Type)
	}
}

func (s *Stream) floorLocked(tree *llrb.LLRB, value uint64) (uint64, error) {
	var found *rangeItem

	tree.DescendLessOrEqual(rangeItem{start: value, seq: ^uint64(0)}, func(item llrb.Item) bool {
		ri := item.(rangeItem) //nolint:forcetypeassert
		found = &ri

		return false
	})

	if found == nil {
		return 0, errkind.New(errkind.NotFound, "no segment covers the requested value")
	}

	return found.seq, nil
}

func (s *Stream) nextValidLocked(from uint64) (uint64, error) {
	for seq := from; seq < s.nextSeq; seq++ {
		if !s.gaps[seq] {
			if loc, ok := s.locations[seq]; ok && loc.State == Committed {
				return seq, nil
			}
		}
	}

	return 0, errkind.New(errkind.NotFound, "no valid sequence number at or after the requested one")
}

func (s *Stream) previousValidLocked(from uint64) (uint64, error) {
	if s.nextSeq == 0 {
		return 0, errkind.New(errkind.NotFound, "no valid sequence number at or before the requested one")
	}

	if from >= s.nextSeq {
		from = s.nextSeq - 1
	}

	for seq := from; ; seq-- {
		if !s.gaps[seq] {
			if loc, ok := s.locations[seq]; ok && loc.State == Committed {
				return seq, nil
			}
		}

		if seq == 0 {
			break
		}
	}

	return 0, errkind.New(errkind.NotFound, "no valid sequence number at or before the requested one")
}

// Statistics aggregates entry/raw-entry counts and the overall range
// across every committed segment (§4.B StreamQueryInformation).
type Statistics struct {
	CompressedSize uint64
	EntryCount     uint64
	RawEntryCount  uint64
	Ranges         types.StreamRangeInformation
}

// Statistics computes the stream's aggregate statistics by walking the
// committed set in sequence-number order.
func (s *Stream) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]uint64, 0, len(s.locations))
	for seq, loc := range s.locations {
		if loc.State == Committed {
			seqs = append(seqs, seq)
		}
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	stats := Statistics{Ranges: types.NewStreamRangeInformation()}

	for _, seq := range seqs {
		loc := s.locations[seq]
		stats.CompressedSize += loc.CompressedSize
		stats.EntryCount += loc.EntryCount()
		stats.RawEntryCount += uint64(loc.RawEntryCount)

		if stats.Ranges.Index.Start == types.InvalidEntryIndex {
			stats.Ranges.Index.Start = loc.Ranges.Index.Start
			stats.Ranges.Cycle.Start = loc.Ranges.Cycle.Start
			stats.Ranges.Time.Start = loc.Ranges.Time.Start
		}

		stats.Ranges.Index.End = loc.Ranges.Index.End
		stats.Ranges.Cycle.End = loc.Ranges.Cycle.End
		stats.Ranges.Time.End = loc.Ranges.Time.End
	}

	return stats
}
