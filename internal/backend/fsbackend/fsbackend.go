// Package fsbackend is the default store.Backend: one directory per
// store, one subdirectory per stream, and per committed segment one data
// file (.seg) plus one control-element file (.ctrl).
// Writes go through github.com/natefinch/atomic so a segment file is
// either absent or fully written, never torn by a crash mid-write
// (§8 scenario 6, "crash-safe ordering"); the store directory itself is
// guarded by a github.com/gofrs/flock advisory lock so two server
// processes never open the same store concurrently. Deliberately
// uncompressed and unencrypted: SPEC_FULL.md's domain-stack notes why
// no pack codec or cloud SDK has a natural home here.
package fsbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/types"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func unixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

// Backend is a filesystem-rooted store.Backend implementation.
type Backend struct {
	root string
	lock *flock.Flock
}

// New returns an unopened Backend; call Open or Create to bind it to a
// path.
func New() *Backend { return &Backend{} }

func (b *Backend) streamDir(streamID ids.ObjectId) string {
	return filepath.Join(b.root, "streams", strconv.FormatUint(uint64(streamID), 10))
}

func (b *Backend) segmentPath(streamID ids.ObjectId, seq uint64) string {
	return filepath.Join(b.streamDir(streamID), strconv.FormatUint(seq, 10)+".seg")
}

func (b *Backend) controlPath(streamID ids.ObjectId, seq uint64) string {
	return filepath.Join(b.streamDir(streamID), strconv.FormatUint(seq, 10)+".ctrl")
}

func (b *Backend) descriptorDir() string {
	return filepath.Join(b.root, "descriptors")
}

// Open binds the backend to an existing store directory at path and
// acquires its advisory lock.
func (b *Backend) Open(_ context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errkind.Wrap(err, errkind.NotFound, "store path does not exist")
	}

	return b.bind(path)
}

// Create binds the backend to a new (or, if overwrite, freshly reset)
// store directory at path.
func (b *Backend) Create(_ context.Context, path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return errkind.New(errkind.InvalidOperation, "store already exists")
		}

		if err := os.RemoveAll(path); err != nil {
			return errkind.Wrap(err, errkind.Platform, "remove existing store")
		}
	}

	if err := os.MkdirAll(filepath.Join(path, "streams"), 0o755); err != nil {
		return errkind.Wrap(err, errkind.Platform, "create store directory")
	}

	if err := os.MkdirAll(filepath.Join(path, "descriptors"), 0o755); err != nil {
		return errkind.Wrap(err, errkind.Platform, "create store directory")
	}

	return b.bind(path)
}

func (b *Backend) bind(path string) error {
	lock := flock.New(filepath.Join(path, ".lock"))

	locked, err := lock.TryLock()
	if err != nil {
		return errkind.Wrap(err, errkind.Platform, "lock store directory")
	}

	if !locked {
		return errkind.New(errkind.InvalidOperation, "store is locked by another process")
	}

	b.root = path
	b.lock = lock

	return nil
}

// Close releases the store directory's advisory lock.
func (b *Backend) Close(context.Context) error {
	if b.lock == nil {
		return nil
	}

	if err := b.lock.Unlock(); err != nil {
		return errkind.Wrap(err, errkind.Platform, "unlock store directory")
	}

	return nil
}

// controlElementWire is the JSON-serializable projection of
// types.SegmentControlElement persisted next to each segment file.
type controlElementWire struct {
	EntryCount    uint32
	RawEntryCount uint32
	StartIndex    uint64
	StartCycle    uint64
	EndCycle      uint64
	StartTimeUnix int64
	EndTimeUnix   int64
}

func toWire(ctrl *types.SegmentControlElement) controlElementWire {
	return controlElementWire{
		EntryCount:    ctrl.EntryCount,
		RawEntryCount: ctrl.RawEntryCount,
		StartIndex:    ctrl.StartIndex,
		StartCycle:    ctrl.StartCycle,
		EndCycle:      ctrl.EndCycle,
		StartTimeUnix: ctrl.StartTime.UnixNano(),
		EndTimeUnix:   ctrl.EndTime.UnixNano(),
	}
}

// WriteSegment atomically persists a committed segment's bytes and
// control element.
func (b *Backend) WriteSegment(_ context.Context, streamID ids.ObjectId, seq uint64, ctrl *types.SegmentControlElement, data []byte) (uint64, error) {
	if err := os.MkdirAll(b.streamDir(streamID), 0o755); err != nil {
		return 0, errkind.Wrap(err, errkind.Platform, "create stream directory")
	}

	wire, err := json.Marshal(toWire(ctrl))
	if err != nil {
		return 0, errkind.Wrap(err, errkind.Platform, "encode segment control element")
	}

	if err := atomic.WriteFile(b.controlPath(streamID, seq), bytesReader(wire)); err != nil {
		return 0, errkind.Wrap(err, errkind.Platform, "write segment control element")
	}

	if err := atomic.WriteFile(b.segmentPath(streamID, seq), bytesReader(data)); err != nil {
		return 0, errkind.Wrap(err, errkind.Platform, "write segment data")
	}

	return uint64(len(data)), nil
}

// ReadSegment retrieves a previously written segment's bytes and
// control element.
func (b *Backend) ReadSegment(_ context.Context, streamID ids.ObjectId, seq uint64) ([]byte, *types.SegmentControlElement, error) {
	data, err := os.ReadFile(b.segmentPath(streamID, seq))
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.NotFound, "read segment data")
	}

	raw, err := os.ReadFile(b.controlPath(streamID, seq))
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.NotFound, "read segment control element")
	}

	var wire controlElementWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "decode segment control element")
	}

	ctrl := &types.SegmentControlElement{
		EntryCount:    wire.EntryCount,
		RawEntryCount: wire.RawEntryCount,
		StartIndex:    wire.StartIndex,
		StartCycle:    wire.StartCycle,
		EndCycle:      wire.EndCycle,
	}
	ctrl.StartTime = unixNano(wire.StartTimeUnix)
	ctrl.EndTime = unixNano(wire.EndTimeUnix)

	return data, ctrl, nil
}

// EnumerateStreams lists the stream descriptors persisted under
// descriptors/. store.Open does not call it, so a reopened store starts
// with an empty stream registry.
func (b *Backend) EnumerateStreams(context.Context) ([]types.StreamDescriptor, error) {
	entries, err := os.ReadDir(b.descriptorDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errkind.Wrap(err, errkind.Platform, "list stream descriptors")
	}

	out := make([]types.StreamDescriptor, 0, len(entries))

	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(b.descriptorDir(), e.Name()))
		if err != nil {
			return nil, errkind.Wrap(err, errkind.Platform, "read stream descriptor")
		}

		var desc types.StreamDescriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return nil, errkind.Wrap(err, errkind.Platform, "decode stream descriptor")
		}

		out = append(out, desc)
	}

	return out, nil
}

// WriteStreamDescriptor persists a stream's descriptor so it survives
// a restart. Store.RegisterStream does not call it.
func (b *Backend) WriteStreamDescriptor(streamID ids.ObjectId, desc types.StreamDescriptor) error {
	raw, err := json.Marshal(desc)
	if err != nil {
		return errkind.Wrap(err, errkind.Platform, "encode stream descriptor")
	}

	path := filepath.Join(b.descriptorDir(), strconv.FormatUint(uint64(streamID), 10)+".json")

	if err := atomic.WriteFile(path, bytesReader(raw)); err != nil {
		return errkind.Wrap(err, errkind.Platform, "write stream descriptor")
	}

	return nil
}
