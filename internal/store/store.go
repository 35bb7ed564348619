// Package store implements the Store component of §4.C: the registry
// of a store's stream buffers, streams and data pools, its
// configuration-lock state machine, and the glue to a pluggable
// StoreBackend collaborator that performs the actual segment I/O. The
// registry structure is grounded on the original
// simustor::Store class (StorageLocation, registerStreamBuffer/
// registerStream/registerDataPool, enumerate*), generalized to Go
// maps guarded by a single sync.RWMutex in place of the original's
// ReaderWriterLock.
package store

import (
	"context"
	"os"
	"sync"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/segmentpool"
	"github.com/simutrace/simutrace/internal/stream"
	"github.com/simutrace/simutrace/internal/types"
)

// Backend performs the durable segment I/O a Store delegates to. The
// default implementation is internal/backend/fsbackend; the interface
// boundary exists so the storage format can be swapped without
// touching registry/session logic (§4.C "StoreBackend collaborator").
type Backend interface {
	// Open prepares the backend for an existing store at path.
	Open(ctx context.Context, path string) error
	// Create prepares the backend for a new store at path. If overwrite
	// is false and a store already exists there, Create fails.
	Create(ctx context.Context, path string, overwrite bool) error
	// Close releases any resources the backend holds open.
	Close(ctx context.Context) error

	// WriteSegment durably stores one committed segment and returns its
	// on-disk (compressed, if the backend compresses) size.
	WriteSegment(ctx context.Context, streamID ids.ObjectId, seq uint64, ctrl *types.SegmentControlElement, data []byte) (uint64, error)
	// ReadSegment retrieves a previously written segment's raw bytes and
	// control element.
	ReadSegment(ctx context.Context, streamID ids.ObjectId, seq uint64) ([]byte, *types.SegmentControlElement, error)

	// EnumerateStreams returns the stream descriptors the backend has
	// durable records for. Open does not call it; a reopened store's
	// registry starts empty.
	EnumerateStreams(ctx context.Context) ([]types.StreamDescriptor, error)
}

// streamBufferEntry holds a registered stream buffer. It does not record
// which streams are bound to the buffer.
type streamBufferEntry struct {
	buffer *segmentpool.Buffer
}

// DataPool is a minimal placeholder registry entry for the key/value
// data pools the original implementation associates with a store
// (arbitrary small metadata blobs, not on the segment data path).
// Non-goals (§1) exclude data pool semantics from this port; the
// registry still accepts and enumerates them so session/store wiring
// for registerDataPool has somewhere real to go.
type DataPool struct {
	Name string
	Data []byte
}

// Store is one open or created trace store: its registered stream
// buffers, streams and data pools, and the configuration-lock gate
// that determines when further registration is allowed.
type Store struct {
	id      ids.ObjectId
	path    string
	backend Backend

	objIDs ids.Allocator

	mu      sync.RWMutex
	locked  bool // configuration locked: no further register* calls
	buffers map[ids.ObjectId]*streamBufferEntry
	streams map[ids.ObjectId]*stream.Stream
	pools   map[ids.ObjectId]*DataPool
}

// Open opens an existing store at path through backend.
func Open(ctx context.Context, id ids.ObjectId, path string, backend Backend) (*Store, error) {
	if err := backend.Open(ctx, path); err != nil {
		return nil, err
	}

	return newStore(id, path, backend), nil
}

// Create creates a new store at path through backend. overwrite
// permits replacing an existing store at that path.
func Create(ctx context.Context, id ids.ObjectId, path string, overwrite bool, backend Backend) (*Store, error) {
	if err := backend.Create(ctx, path, overwrite); err != nil {
		return nil, err
	}

	return newStore(id, path, backend), nil
}

func newStore(id ids.ObjectId, path string, backend Backend) *Store {
	return &Store{
		id:      id,
		path:    path,
		backend: backend,
		buffers: make(map[ids.ObjectId]*streamBufferEntry),
		streams: make(map[ids.ObjectId]*stream.Stream),
		pools:   make(map[ids.ObjectId]*DataPool),
	}
}

// ID returns the store's id.
func (s *Store) ID() ids.ObjectId { return s.id }

// Path returns the store's path as given to Open/Create.
func (s *Store) Path() string { return s.path }

// LockConfiguration freezes the store's registry: no further
// RegisterStreamBuffer/RegisterStream/RegisterDataPool calls are
// accepted once locked (§9 "_lockConfiguration/_freeConfiguration").
func (s *Store) LockConfiguration() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked = true
}

// FreeConfiguration reopens the registry to further registration.
func (s *Store) FreeConfiguration() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.locked = false
}

// ConfigurationLocked reports whether the registry currently rejects
// new registrations.
func (s *Store) ConfigurationLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.locked
}

// RegisterStreamBuffer creates a new segment buffer pool and registers
// it under a freshly allocated id.
func (s *Store) RegisterStreamBuffer(cfg segmentpool.Config, sharedFile *os.File) (ids.ObjectId, *segmentpool.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return ids.Invalid, nil, errkind.New(errkind.InvalidOperation, "store configuration is locked")
	}

	id := s.objIDs.Next()

	buf, err := segmentpool.New(id, cfg, sharedFile)
	if err != nil {
		return ids.Invalid, nil, err
	}

	s.buffers[id] = &streamBufferEntry{buffer: buf}

	return id, buf, nil
}

// RegisterStream creates a new stream bound to bufferID (or, for a
// dynamic stream, to gen) and registers it under a freshly allocated
// id.
func (s *Store) RegisterStream(bufferID ids.ObjectId, desc types.StreamDescriptor, gen *stream.Generator) (ids.ObjectId, *stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return ids.Invalid, nil, errkind.New(errkind.InvalidOperation, "store configuration is locked")
	}

	var buf *segmentpool.Buffer

	if desc.Flags&types.SfDynamic == 0 {
		entry, ok := s.buffers[bufferID]
		if !ok {
			return ids.Invalid, nil, errkind.New(errkind.NotFound, "unknown stream buffer")
		}

		buf = entry.buffer
	}

	id := s.objIDs.Next()

	st, err := stream.New(id, desc, buf, gen)
	if err != nil {
		return ids.Invalid, nil, err
	}

	s.streams[id] = st

	return id, st, nil
}

// RegisterDataPool creates and registers a new, empty data pool.
func (s *Store) RegisterDataPool(name string) (ids.ObjectId, *DataPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return ids.Invalid, nil, errkind.New(errkind.InvalidOperation, "store configuration is locked")
	}

	id := s.objIDs.Next()
	pool := &DataPool{Name: name}
	s.pools[id] = pool

	return id, pool, nil
}

// Stream returns a registered stream by id.
func (s *Store) Stream(id ids.ObjectId) (*stream.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[id]

	return st, ok
}

// StreamBuffer returns a registered stream buffer by id.
func (s *Store) StreamBuffer(id ids.ObjectId) (*segmentpool.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.buffers[id]
	if !ok {
		return nil, false
	}

	return entry.buffer, true
}

// EnumerateStreams returns the ids of every registered stream matching
// filter (§3 StreamEnumFilter).
func (s *Store) EnumerateStreams(filter types.StreamEnumFilter) []ids.ObjectId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ids.ObjectId

	for id, st := range s.streams {
		desc := st.Descriptor()

		switch {
		case desc.Flags&types.SfHidden != 0 && filter&types.SefHidden == 0:
			continue
		case desc.Flags&types.SfDynamic != 0 && filter&types.SefDynamic == 0:
			continue
		case desc.Flags&(types.SfHidden|types.SfDynamic) == 0 && filter&types.SefRegular == 0:
			continue
		}

		out = append(out, id)
	}

	return out
}

// EnumerateStreamBuffers returns the ids of every registered stream
// buffer.
func (s *Store) EnumerateStreamBuffers() []ids.ObjectId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ids.ObjectId, 0, len(s.buffers))
	for id := range s.buffers {
		out = append(out, id)
	}

	return out
}

// CommitSegment hands a finished segment's bytes to the backend and
// transitions the stream's bookkeeping accordingly: a backend error
// aborts the segment (recording a gap) rather than failing the store
// (§4.C "any backend error during commit marks the segment Aborted").
// The first commit against a store also locks its configuration: once
// data has actually been durably written, the registry of buffers,
// streams and data pools it was written against must not change
// further (§4.C, §9 "_lockConfiguration/_freeConfiguration").
func (s *Store) CommitSegment(ctx context.Context, streamID ids.ObjectId, seq uint64, ctrl *types.SegmentControlElement, data []byte) error {
	st, ok := s.Stream(streamID)
	if !ok {
		return errkind.New(errkind.NotFound, "unknown stream")
	}

	defer s.LockConfiguration()

	size, err := s.backend.WriteSegment(ctx, streamID, seq, ctrl, data)
	if err != nil {
		_ = st.Abort(seq)
		return nil //nolint:nilerr // backend failure degrades to a gap, not a store-level error
	}

	return st.Commit(seq, size)
}

// ReadSegment retrieves a committed segment's bytes and control element
// from the backend.
func (s *Store) ReadSegment(ctx context.Context, streamID ids.ObjectId, seq uint64) ([]byte, *types.SegmentControlElement, error) {
	return s.backend.ReadSegment(ctx, streamID, seq)
}

// Close releases the backend and every registered stream buffer's
// memory.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.buffers {
		_ = entry.buffer.Close()
	}

	return s.backend.Close(ctx)
}
