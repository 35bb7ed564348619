package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/segmentpool"
	"github.com/simutrace/simutrace/internal/stream"
	"github.com/simutrace/simutrace/internal/types"
)

func newTestStream(t *testing.T) *stream.Stream {
	t.Helper()

	buf, err := segmentpool.New(1, segmentpool.Config{SegmentSize: 4096, NumSegments: 1, RetryCount: 1}, nil)
	require.NoError(t, err)

	desc := types.StreamDescriptor{
		Name: "test",
		Type: types.StreamTypeDescriptor{Name: "fixed64", TypeID: uuid.New(), EntrySize: 64},
	}

	s, err := stream.New(2, desc, buf, nil)
	require.NoError(t, err)

	return s
}

func TestAppendCommitAndResolveByIndex(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)

	segID, ctrl, seq, err := s.Append(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, seq)

	ctrl.EntryCount = 10
	ctrl.RawEntryCount = 10
	ctrl.StartCycle = types.InvalidCycleCount
	ctrl.EndCycle = types.InvalidCycleCount
	ctrl.StartTime = time.Unix(0, 100)
	ctrl.EndTime = time.Unix(0, 200)

	require.NoError(t, s.Close(seq, ctrl, 0))
	require.NoError(t, s.Commit(seq, 640))

	// The pool holds a single line: a second Append only succeeds if
	// Commit actually released the first segment back to it.
	_, _, _, err = s.Append(context.Background(), 0)
	require.NoError(t, err)

	found, err := s.Resolve(types.StreamOpenQuery{Type: types.QIndex, Value: 5})
	require.NoError(t, err)
	require.EqualValues(t, seq, found)

	loc, ok := s.Location(seq)
	require.True(t, ok)
	require.Equal(t, stream.Committed, loc.State)
	require.EqualValues(t, 10, loc.EntryCount())

	_ = segID
}

func TestAbortRecordsGapAndSkipsNextValid(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)

	_, ctrl0, seq0, err := s.Append(context.Background(), 0)
	require.NoError(t, err)
	ctrl0.EntryCount = 1
	ctrl0.StartCycle, ctrl0.EndCycle = types.InvalidCycleCount, types.InvalidCycleCount
	ctrl0.StartTime, ctrl0.EndTime = time.Unix(0, 0), time.Unix(0, 1)
	require.NoError(t, s.Close(seq0, ctrl0, 0))
	require.NoError(t, s.Abort(seq0))

	_, ctrl1, seq1, err := s.Append(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, seq1)
	ctrl1.EntryCount = 1
	ctrl1.StartCycle, ctrl1.EndCycle = types.InvalidCycleCount, types.InvalidCycleCount
	ctrl1.StartTime, ctrl1.EndTime = time.Unix(0, 2), time.Unix(0, 3)
	require.NoError(t, s.Close(seq1, ctrl1, 1))
	require.NoError(t, s.Commit(seq1, 64))

	next, err := s.Resolve(types.StreamOpenQuery{Type: types.QNextValidSequenceNumber, Value: 0})
	require.NoError(t, err)
	require.EqualValues(t, seq1, next)

	loc, ok := s.Location(seq0)
	require.True(t, ok)
	require.Equal(t, stream.Aborted, loc.State)
}

func TestResolveBySequenceNumberRejectsUnknown(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)

	_, err := s.Resolve(types.StreamOpenQuery{Type: types.QSequenceNumber, Value: 99})
	require.Error(t, err)
}

func TestDynamicStreamRejectsAppend(t *testing.T) {
	t.Parallel()

	desc := types.StreamDescriptor{Name: "dyn", Flags: types.SfDynamic}
	s, err := stream.New(3, desc, nil, &stream.Generator{ID: 7})
	require.NoError(t, err)
	require.True(t, s.IsDynamic())

	_, _, _, err = s.Append(context.Background(), 0)
	require.Error(t, err)

	resolved, err := s.Resolve(types.StreamOpenQuery{Type: types.QUserIndex0, Value: 42})
	require.NoError(t, err)
	require.EqualValues(t, 42, resolved)
}
