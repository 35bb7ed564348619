// Package segmentpool implements the Segment Buffer Pool of §4.A: a
// fixed-size arena of equal-sized segment lines, handed out and
// recycled under an allocation-retry/backpressure discipline. Shared
// arenas are backed by github.com/edsrzf/mmap-go so each segment can
// start on a page boundary and, on Unix-domain bindings, be handed to
// a client as a duplicated file descriptor via the Channel's handle-
// transfer capability (internal/port).
package segmentpool

import (
	"context"
	"os"
	"sync"
	"time"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/types"
)

// DefaultSegmentSize is the canonical segment payload size (§4.A: "S is
// fixed at 64 MiB in the canonical configuration").
const DefaultSegmentSize = 64 << 20

// pageSize is used to align each line on a page boundary for zero-copy
// mapping; on the platforms this server targets it is always 4 KiB.
const pageSize = 4096

// fill bytes used to sanity-tag segment memory in debug builds so torn
// writes are detectable (§4.A).
const (
	fenceFill = 0xFD
	clearFill = 0xCD
	deadFill  = 0xDD
)

// Config controls allocation admission and backpressure (§6
// server.memmgmt.*).
type Config struct {
	SegmentSize int
	NumSegments int
	Shared      bool // backed by an mmap arena usable for handle transfer
	RetryCount  int
	RetrySleep  time.Duration
	DebugFill   bool
}

// DefaultConfig returns the canonical pool configuration.
func DefaultConfig() Config {
	return Config{
		SegmentSize: DefaultSegmentSize,
		NumSegments: 4,
		RetryCount:  50,
		RetrySleep:  20 * time.Millisecond,
	}
}

func lineSize(segmentSize int) int {
	raw := segmentSize + controlElementSize
	return ((raw + pageSize - 1) / pageSize) * pageSize
}

// controlElementSize is large enough to hold an encoded
// types.SegmentControlElement; the arena reserves this much space at
// the tail of every line even though the in-memory control state lives
// in a parallel slice (§4.A: "carried in-band with the data").
const controlElementSize = 64

// Buffer is one stream buffer: N equal lines, each holding a segment
// and its control element.
type Buffer struct {
	id          ids.ObjectId
	cfg         Config
	lineSize    int
	region      []byte    // process-private backing store
	mapped      mmap.MMap // shared backing store, nil if process-private
	file        *os.File  // backing file for the shared mapping, if any

	mu        sync.Mutex
	free      []bool // free[i] == true means line i is available
	allocated int
	controls  []types.SegmentControlElement
}

// New creates a buffer of cfg.NumSegments lines of cfg.SegmentSize
// bytes each. Shared buffers are backed by a memory mapping of
// sharedFile or, when sharedFile is nil, of a new temporary file, so the
// region can be handed to a client via handle transfer; process-private buffers
// use a plain Go byte slice.
func New(id ids.ObjectId, cfg Config, sharedFile *os.File) (*Buffer, error) {
	if cfg.NumSegments <= 0 {
		return nil, errkind.New(errkind.Argument, "numSegments must be positive")
	}

	if cfg.SegmentSize <= 0 {
		return nil, errkind.New(errkind.Argument, "segmentSize must be positive")
	}

	ls := lineSize(cfg.SegmentSize)
	total := ls * cfg.NumSegments

	b := &Buffer{
		id:       id,
		cfg:      cfg,
		lineSize: ls,
		free:     make([]bool, cfg.NumSegments),
		controls: make([]types.SegmentControlElement, cfg.NumSegments),
	}

	for i := range b.free {
		b.free[i] = true
	}

	if cfg.Shared {
		f := sharedFile
		if f == nil {
			tmp, err := os.CreateTemp("", "simutrace-buffer-*")
			if err != nil {
				return nil, errkind.Wrap(err, errkind.Platform, "create shared buffer backing file")
			}

			if err := tmp.Truncate(int64(total)); err != nil {
				tmp.Close()
				return nil, errkind.Wrap(err, errkind.Platform, "size shared buffer backing file")
			}

			f = tmp
		}

		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.Platform, "mmap shared buffer")
		}

		b.mapped = m
		b.file = f
	} else {
		b.region = make([]byte, total)
	}

	if cfg.DebugFill {
		b.fillAll(clearFill)
	}

	return b, nil
}

func (b *Buffer) bytes() []byte {
	if b.mapped != nil {
		return b.mapped
	}

	return b.region
}

func (b *Buffer) fillAll(v byte) {
	buf := b.bytes()
	for i := range buf {
		buf[i] = v
	}
}

// ID returns the buffer's id.
func (b *Buffer) ID() ids.ObjectId { return b.id }

// File returns the backing file of a shared buffer, or nil for a
// process-private one; used by internal/port to hand the descriptor to
// a client over a handle-transfer-capable Channel.
func (b *Buffer) File() *os.File { return b.file }

// NumSegments returns the line count.
func (b *Buffer) NumSegments() int { return b.cfg.NumSegments }

// SegmentSize returns the payload size of one line.
func (b *Buffer) SegmentSize() int { return b.cfg.SegmentSize }

// Allocated returns the number of currently allocated lines.
func (b *Buffer) Allocated() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.allocated
}

// Allocate reserves one free line, retrying up to cfg.RetryCount times
// with cfg.RetrySleep between attempts under sustained pressure (§4.A).
// It returns an errkind.Error of kind OperationInProgress with the
// message AllocationRetryExceeded once the retry budget is spent.
func (b *Buffer) Allocate(ctx context.Context) (ids.ObjectId, error) {
	attempt := 0

	for {
		b.mu.Lock()

		for i, free := range b.free {
			if free {
				b.free[i] = false
				b.allocated++
				b.controls[i] = types.SegmentControlElement{}
				b.mu.Unlock()

				if b.cfg.DebugFill {
					b.sanityFill(ids.ObjectId(i), fenceFill)
				}

				return ids.ObjectId(i), nil
			}
		}

		b.mu.Unlock()

		if attempt >= b.cfg.RetryCount {
			return ids.Invalid, errkind.New(errkind.OperationInProgress, "AllocationRetryExceeded")
		}

		attempt++

		select {
		case <-ctx.Done():
			return ids.Invalid, errkind.Wrap(ctx.Err(), errkind.Timeout, "segment allocation canceled")
		case <-time.After(b.cfg.RetrySleep):
		}
	}
}

// Release returns a segment to the free list; a concurrent Allocate
// blocked in its retry loop observes the freed line on its next poll.
func (b *Buffer) Release(seg ids.ObjectId) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(seg) < 0 || int(seg) >= len(b.free) {
		return errkind.New(errkind.ArgumentOutOfBounds, "invalid segment id")
	}

	if b.free[seg] {
		return errkind.New(errkind.InvalidOperation, "segment already released")
	}

	if b.cfg.DebugFill {
		b.sanityFillLocked(seg, deadFill)
	}

	b.free[seg] = true
	b.allocated--

	return nil
}

// Segment returns the payload area of a segment line.
func (b *Buffer) Segment(seg ids.ObjectId) ([]byte, error) {
	off, err := b.lineOffset(seg)
	if err != nil {
		return nil, err
	}

	return b.bytes()[off : off+b.cfg.SegmentSize], nil
}

// Control returns a pointer to the in-memory control element for a
// segment; the server stamps every field but EntryCount/RawEntryCount
// through this pointer (§3).
func (b *Buffer) Control(seg ids.ObjectId) (*types.SegmentControlElement, error) {
	if int(seg) < 0 || int(seg) >= len(b.controls) {
		return nil, errkind.New(errkind.ArgumentOutOfBounds, "invalid segment id")
	}

	return &b.controls[seg], nil
}

// SegmentEnd returns the first byte past the last valid entry in seg,
// computed from its raw entry count and entrySize (§4.A).
func (b *Buffer) SegmentEnd(seg ids.ObjectId, entrySize uint32) ([]byte, error) {
	data, err := b.Segment(seg)
	if err != nil {
		return nil, err
	}

	ctrl, err := b.Control(seg)
	if err != nil {
		return nil, err
	}

	end := uint64(ctrl.RawEntryCount) * uint64(entrySize)
	if end > uint64(len(data)) {
		return nil, errkind.New(errkind.InvalidOperation, "segment end beyond segment bounds")
	}

	return data[:end], nil
}

func (b *Buffer) lineOffset(seg ids.ObjectId) (int, error) {
	if int(seg) < 0 || int(seg) >= b.cfg.NumSegments {
		return 0, errkind.New(errkind.ArgumentOutOfBounds, "invalid segment id")
	}

	return int(seg) * b.lineSize, nil
}

func (b *Buffer) sanityFill(seg ids.ObjectId, v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sanityFillLocked(seg, v)
}

func (b *Buffer) sanityFillLocked(seg ids.ObjectId, v byte) {
	off, err := b.lineOffset(seg)
	if err != nil {
		return
	}

	buf := b.bytes()[off : off+b.cfg.SegmentSize]
	for i := range buf {
		buf[i] = v
	}
}

// SanityCheck reports whether the first byte of the segment's unwritten
// tail still carries the fence fill, for debug-build torn-write
// detection (§4.A). It is a best-effort diagnostic, not a correctness
// gate.
func (b *Buffer) SanityCheck(seg ids.ObjectId, entrySize uint32) bool {
	if !b.cfg.DebugFill {
		return true
	}

	data, err := b.Segment(seg)
	if err != nil {
		return false
	}

	ctrl, err := b.Control(seg)
	if err != nil {
		return false
	}

	end := uint64(ctrl.RawEntryCount) * uint64(entrySize)
	if end >= uint64(len(data)) {
		return true
	}

	return data[end] == fenceFill
}

// Close releases the backing mapping/file of a shared buffer.
func (b *Buffer) Close() error {
	if b.mapped != nil {
		if err := b.mapped.Unmap(); err != nil {
			return errkind.Wrap(err, errkind.Platform, "unmap shared buffer")
		}
	}

	if b.file != nil {
		name := b.file.Name()

		if err := b.file.Close(); err != nil {
			return errkind.Wrap(err, errkind.Platform, "close shared buffer file")
		}

		return os.Remove(name)
	}

	return nil
}
