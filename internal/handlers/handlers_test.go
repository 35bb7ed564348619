package handlers_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/backend/fsbackend"
	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/handlers"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/port"
	"github.com/simutrace/simutrace/internal/sessionmgr"
	"github.com/simutrace/simutrace/internal/store"
	"github.com/simutrace/simutrace/internal/types"
)

func newDispatcher() (*handlers.Dispatcher, *sessionmgr.SessionManager) {
	stores := sessionmgr.NewStoreManager(func() store.Backend { return fsbackend.New() })
	mgr := sessionmgr.NewSessionManager(stores, time.Second, nil)

	return handlers.NewDispatcher(mgr, nil), mgr
}

func TestNullRoundTrips(t *testing.T) {
	t.Parallel()

	d, mgr := newDispatcher()
	defer mgr.Close(context.Background())

	req := &port.Message{ControlCode: handlers.Null}
	resp, _, err := d.Dispatch(context.Background(), 3, 1, 0, req, nil)
	require.NoError(t, err)
	require.Equal(t, handlers.Null, resp.ControlCode)
}

func TestRejectsIncompatibleAPIVersion(t *testing.T) {
	t.Parallel()

	d, mgr := newDispatcher()
	defer mgr.Close(context.Background())

	req := &port.Message{ControlCode: handlers.Null}
	_, _, err := d.Dispatch(context.Background(), 2, 9, 0, req, nil)
	require.Error(t, err)
}

func TestSessionCreateOpenAndClose(t *testing.T) {
	t.Parallel()

	d, mgr := newDispatcher()
	defer mgr.Close(context.Background())

	env, err := json.Marshal(map[string]string{"app": "test"})
	require.NoError(t, err)

	req := &port.Message{ControlCode: handlers.SessionCreate, Parameter0: 0x0301}
	resp, _, err := d.Dispatch(context.Background(), 3, 1, 0, req, env)
	require.NoError(t, err)

	sid := ids.ObjectId(resp.Parameter0)
	require.Len(t, mgr.EnumerateSessions(), 1)

	queryReq := &port.Message{ControlCode: handlers.SessionQuery}
	_, queryData, err := d.Dispatch(context.Background(), 3, 1, sid, queryReq, nil)
	require.NoError(t, err)
	require.NotEmpty(t, queryData)

	closeReq := &port.Message{ControlCode: handlers.SessionClose}
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, closeReq, nil)
	require.NoError(t, err)
	require.Empty(t, mgr.EnumerateSessions())

	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, closeReq, nil)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.InvalidOperation))
}

func TestFullStoreStreamAppendAndCloseFlow(t *testing.T) {
	t.Parallel()

	d, mgr := newDispatcher()
	defer mgr.Close(context.Background())

	createReq := &port.Message{ControlCode: handlers.SessionCreate, Parameter0: 0x0301}
	createResp, _, err := d.Dispatch(context.Background(), 3, 1, 0, createReq, nil)
	require.NoError(t, err)
	sid := ids.ObjectId(createResp.Parameter0)

	storeArgs, err := json.Marshal(map[string]interface{}{
		"specifier":    filepath.Join(t.TempDir(), "store"),
		"alwaysCreate": true,
	})
	require.NoError(t, err)

	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, &port.Message{ControlCode: handlers.StoreCreate}, storeArgs)
	require.NoError(t, err)

	bufReq := &port.Message{ControlCode: handlers.StreamBufferRegister, Parameter0: 2}
	bufReq.SetParameter1(1 << 16)
	bufResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, bufReq, nil)
	require.NoError(t, err)
	bufferID := ids.ObjectId(bufResp.Parameter0)

	bufQueryReq := &port.Message{ControlCode: handlers.StreamBufferQuery, Parameter0: uint32(bufferID)}
	_, bufQueryData, err := d.Dispatch(context.Background(), 3, 1, sid, bufQueryReq, nil)
	require.NoError(t, err)
	require.NotEmpty(t, bufQueryData)

	desc := types.StreamDescriptor{
		Name: "trace",
		Type: types.StreamTypeDescriptor{
			Name:      "entry",
			TypeID:    uuid.New(),
			EntrySize: 16,
		},
	}

	regArgs, err := json.Marshal(map[string]interface{}{
		"bufferId":   bufferID,
		"descriptor": desc,
	})
	require.NoError(t, err)

	regResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, &port.Message{ControlCode: handlers.StreamRegister}, regArgs)
	require.NoError(t, err)
	streamID := ids.ObjectId(regResp.Parameter0)

	appendReq := &port.Message{ControlCode: handlers.StreamAppend, Parameter0: uint32(streamID)}
	appendResp, appendData, err := d.Dispatch(context.Background(), 3, 1, sid, appendReq, nil)
	require.NoError(t, err)
	require.NotEmpty(t, appendData)

	seq := uint64(appendResp.Parameter0)

	closeReq := &port.Message{ControlCode: handlers.StreamClose, Parameter0: uint32(streamID)}
	closeReq.SetParameter1(uint32(seq))
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, closeReq, nil)
	require.NoError(t, err)

	queryReq := &port.Message{ControlCode: handlers.StreamQuery, Parameter0: uint32(streamID)}
	_, queryData, err := d.Dispatch(context.Background(), 3, 1, sid, queryReq, nil)
	require.NoError(t, err)
	require.NotEmpty(t, queryData)

	storeCloseReq := &port.Message{ControlCode: handlers.StoreClose}
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, storeCloseReq, nil)
	require.NoError(t, err)
}

func TestStreamCloseCommitsSegmentToBackend(t *testing.T) {
	t.Parallel()

	d, mgr := newDispatcher()
	defer mgr.Close(context.Background())

	createReq := &port.Message{ControlCode: handlers.SessionCreate, Parameter0: 0x0301}
	createResp, _, err := d.Dispatch(context.Background(), 3, 1, 0, createReq, nil)
	require.NoError(t, err)
	sid := ids.ObjectId(createResp.Parameter0)

	storePath := filepath.Join(t.TempDir(), "store")

	storeArgs, err := json.Marshal(map[string]interface{}{
		"specifier":    storePath,
		"alwaysCreate": true,
	})
	require.NoError(t, err)
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, &port.Message{ControlCode: handlers.StoreCreate}, storeArgs)
	require.NoError(t, err)

	bufReq := &port.Message{ControlCode: handlers.StreamBufferRegister, Parameter0: 1}
	bufReq.SetParameter1(4096)
	bufResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, bufReq, nil)
	require.NoError(t, err)
	bufferID := ids.ObjectId(bufResp.Parameter0)

	desc := types.StreamDescriptor{
		Name: "trace",
		Type: types.StreamTypeDescriptor{Name: "entry", TypeID: uuid.New(), EntrySize: 8},
	}

	regArgs, err := json.Marshal(map[string]interface{}{"bufferId": bufferID, "descriptor": desc})
	require.NoError(t, err)
	regResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, &port.Message{ControlCode: handlers.StreamRegister}, regArgs)
	require.NoError(t, err)
	streamID := ids.ObjectId(regResp.Parameter0)

	appendReq := &port.Message{ControlCode: handlers.StreamAppend, Parameter0: uint32(streamID)}
	appendResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, appendReq, nil)
	require.NoError(t, err)
	seq := uint64(appendResp.Parameter0)

	closeReq := &port.Message{ControlCode: handlers.StreamClose, Parameter0: uint32(streamID)}
	closeReq.SetParameter1(uint32(seq))
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, closeReq, nil)
	require.NoError(t, err)

	segFile := filepath.Join(storePath, "streams", strconv.FormatUint(uint64(streamID), 10), strconv.FormatUint(seq, 10)+".seg")
	_, statErr := os.Stat(segFile)
	require.NoError(t, statErr, "expected the committed segment to be durably persisted by the backend")
}

func TestStoreLocksConfigurationAfterFirstCommit(t *testing.T) {
	t.Parallel()

	d, mgr := newDispatcher()
	defer mgr.Close(context.Background())

	createReq := &port.Message{ControlCode: handlers.SessionCreate, Parameter0: 0x0301}
	createResp, _, err := d.Dispatch(context.Background(), 3, 1, 0, createReq, nil)
	require.NoError(t, err)
	sid := ids.ObjectId(createResp.Parameter0)

	storeArgs, err := json.Marshal(map[string]interface{}{
		"specifier":    filepath.Join(t.TempDir(), "store"),
		"alwaysCreate": true,
	})
	require.NoError(t, err)
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, &port.Message{ControlCode: handlers.StoreCreate}, storeArgs)
	require.NoError(t, err)

	bufReq := &port.Message{ControlCode: handlers.StreamBufferRegister, Parameter0: 1}
	bufReq.SetParameter1(4096)
	bufResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, bufReq, nil)
	require.NoError(t, err)
	bufferID := ids.ObjectId(bufResp.Parameter0)

	desc := types.StreamDescriptor{
		Name: "trace",
		Type: types.StreamTypeDescriptor{Name: "entry", TypeID: uuid.New(), EntrySize: 8},
	}

	regArgs, err := json.Marshal(map[string]interface{}{"bufferId": bufferID, "descriptor": desc})
	require.NoError(t, err)
	regResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, &port.Message{ControlCode: handlers.StreamRegister}, regArgs)
	require.NoError(t, err)
	streamID := ids.ObjectId(regResp.Parameter0)

	appendReq := &port.Message{ControlCode: handlers.StreamAppend, Parameter0: uint32(streamID)}
	appendResp, _, err := d.Dispatch(context.Background(), 3, 1, sid, appendReq, nil)
	require.NoError(t, err)
	seq := uint64(appendResp.Parameter0)

	closeReq := &port.Message{ControlCode: handlers.StreamClose, Parameter0: uint32(streamID)}
	closeReq.SetParameter1(uint32(seq))
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, closeReq, nil)
	require.NoError(t, err)

	secondBufReq := &port.Message{ControlCode: handlers.StreamBufferRegister, Parameter0: 1}
	secondBufReq.SetParameter1(4096)
	_, _, err = d.Dispatch(context.Background(), 3, 1, sid, secondBufReq, nil)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.InvalidOperation))
}
