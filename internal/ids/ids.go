// Package ids defines the opaque object identifiers shared across the
// session, store, stream, buffer and segment domain types, and the
// monotonic allocator the managers use to mint them.
package ids

import "sync/atomic"

// ObjectId is the common representation for every id in the data plane:
// SessionId, StoreId, StreamId, BufferId, SegmentId and StreamSegmentId
// are all ObjectId under the hood, matching the original C ObjectId
// typedef family.
type ObjectId uint32

// Invalid is the reserved sentinel shared by every id domain.
const Invalid ObjectId = ^ObjectId(0)

// ServerSession and ServerBuffer are the reserved "server" sentinels for
// the two id domains that need one (§3).
const (
	ServerSession ObjectId = Invalid - 1
	ServerBuffer  ObjectId = Invalid - 1
)

// StreamSegmentLink identifies one segment within one stream.
type StreamSegmentLink struct {
	Stream         ObjectId
	SequenceNumber ObjectId
}

// Valid reports whether the link names a real stream and sequence number.
func (l StreamSegmentLink) Valid() bool {
	return l.Stream != Invalid && l.SequenceNumber != Invalid
}

// Allocator hands out strictly increasing ids starting at 0, wrapping
// to Invalid (and thus exhausted) only after ^ObjectId(0) allocations.
// Session and Store managers each own one.
type Allocator struct {
	next uint32
}

// Next returns the next id in the sequence.
func (a *Allocator) Next() ObjectId {
	return ObjectId(atomic.AddUint32(&a.next, 1) - 1)
}
