// Package handlers implements the Request Handlers of §4.G: a
// dispatch table keyed by control code, with a compatibility rule
// mirroring the original RPC_CALL_V31 (exact API version only) and
// RPC_CALL_V31C (compatible from that version onward) call-declaration
// macros. Argument/result payloads are JSON rather than the original's
// raw C struct layout — Go has no idiomatic "reinterpret struct as
// bytes" equivalent, and the teacher corpus reaches for structured
// encodings (kopia's manifest JSON) rather than hand-rolled binary
// layouts wherever a wire format isn't forced by an external format.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/port"
	"github.com/simutrace/simutrace/internal/segmentpool"
	"github.com/simutrace/simutrace/internal/session"
	"github.com/simutrace/simutrace/internal/sessionmgr"
	"github.com/simutrace/simutrace/internal/stream"
	"github.com/simutrace/simutrace/internal/types"
	"github.com/simutrace/simutrace/internal/workqueue"
)

// Control codes, numbered exactly as the original RpcProtocol.h catalogue.
const (
	Null                    uint16 = 0x0000
	EnumerateSessions       uint16 = 0x0001
	SessionCreate           uint16 = 0x0010
	SessionOpen             uint16 = 0x0011
	SessionQuery            uint16 = 0x0012
	SessionClose            uint16 = 0x0013
	SessionSetConfiguration uint16 = 0x0014
	StoreCreate             uint16 = 0x0020
	StoreClose              uint16 = 0x0021
	StreamBufferRegister    uint16 = 0x0022
	StreamBufferEnumerate   uint16 = 0x0023
	StreamBufferQuery       uint16 = 0x0024
	StreamRegister          uint16 = 0x0030
	StreamEnumerate         uint16 = 0x0031
	StreamQuery             uint16 = 0x0032
	StreamAppend            uint16 = 0x0033
	StreamCloseAndOpen      uint16 = 0x0034
	StreamClose             uint16 = 0x0035
)

// CurrentAPIVersionMajor/Minor are the server's own protocol version;
// a client's peerAPIVersion is checked against each entry's minimum.
const (
	CurrentAPIVersionMajor = 3
	CurrentAPIVersionMinor = 1
)

func packVersion(major, minor uint8) uint16 { return uint16(major)<<8 | uint16(minor) }

// Handler processes one request message for an established session
// (nil for EnumerateSessions/SessionCreate, which precede session
// lookup) and returns the response message plus any trailing data
// payload.
type Handler func(ctx context.Context, s *session.Session, req *port.Message, data []byte) (*port.Message, []byte, error)

type entry struct {
	compatible bool // true: RPC_CALL_V31C (>= minVersion); false: RPC_CALL_V31 (== minVersion)
	minVersion uint16
	handle     Handler
}

// Dispatcher routes incoming messages to their handler by control code
// and peer API version, and owns the session manager every handler
// operates against.
type Dispatcher struct {
	sessions   *sessionmgr.SessionManager
	processing *workqueue.Pool // segment encode/backend I/O (§4.H); nil runs inline
	table      map[uint16]entry
}

// NewDispatcher builds the standard request-handler table bound to
// sessions. processing is the below-normal-priority work pool segment
// commits are submitted to (§4.H); nil runs them inline on the calling
// goroutine instead, which is what every test in this package does.
func NewDispatcher(sessions *sessionmgr.SessionManager, processing *workqueue.Pool) *Dispatcher {
	d := &Dispatcher{sessions: sessions, processing: processing, table: make(map[uint16]entry)}
	d.register()

	return d
}

func (d *Dispatcher) register() {
	v31 := packVersion(3, 1)

	reg := func(code uint16, compatible bool, h Handler) {
		d.table[code] = entry{compatible: compatible, minVersion: v31, handle: h}
	}

	reg(Null, true, handleNull)
	reg(EnumerateSessions, true, d.handleEnumerateSessions)
	reg(SessionCreate, true, d.handleSessionCreate)
	reg(SessionOpen, true, d.handleSessionOpen)
	reg(SessionClose, true, d.handleSessionClose)
	reg(SessionQuery, true, handleSessionQuery)
	reg(SessionSetConfiguration, true, handleSessionSetConfiguration)
	reg(StoreCreate, true, handleStoreCreate)
	reg(StoreClose, true, handleStoreClose)
	reg(StreamBufferRegister, true, handleStreamBufferRegister)
	reg(StreamBufferEnumerate, true, handleStreamBufferEnumerate)
	reg(StreamBufferQuery, true, handleStreamBufferQuery)
	reg(StreamRegister, true, handleStreamRegister)
	reg(StreamEnumerate, true, handleStreamEnumerate)
	reg(StreamQuery, true, handleStreamQuery)
	reg(StreamAppend, true, handleStreamAppend)
	reg(StreamCloseAndOpen, true, d.handleStreamCloseAndOpen)
	reg(StreamClose, true, d.handleStreamClose)
}

// Dispatch looks up and invokes the handler for req.ControlCode,
// resolving s from sessionParam unless the call precedes session
// establishment (Null, EnumerateSessions, SessionCreate).
func (d *Dispatcher) Dispatch(ctx context.Context, peerAPIVersionMajor, peerAPIVersionMinor uint8, sessionParam ids.ObjectId, req *port.Message, data []byte) (*port.Message, []byte, error) {
	e, ok := d.table[req.ControlCode]
	if !ok {
		return nil, nil, errkind.Newf(errkind.NotImplemented, "unrecognized control code %#x", req.ControlCode)
	}

	peerVersion := packVersion(peerAPIVersionMajor, peerAPIVersionMinor)

	compatible := peerVersion == e.minVersion
	if e.compatible {
		compatible = peerVersion >= e.minVersion
	}

	if !compatible {
		return nil, nil, errkind.Newf(errkind.NotSupported, "control code %#x unsupported at API version %d.%d", req.ControlCode, peerAPIVersionMajor, peerAPIVersionMinor)
	}

	var (
		s   *session.Session
		err error
	)

	if req.ControlCode != Null && req.ControlCode != EnumerateSessions && req.ControlCode != SessionCreate {
		s, err = d.sessions.Session(sessionParam)
		if err != nil {
			return nil, nil, err
		}
	}

	return e.handle(ctx, s, req, data)
}

func handleNull(context.Context, *session.Session, *port.Message, []byte) (*port.Message, []byte, error) {
	return &port.Message{ControlCode: Null}, nil, nil
}

func (d *Dispatcher) handleEnumerateSessions(_ context.Context, _ *session.Session, _ *port.Message, _ []byte) (*port.Message, []byte, error) {
	sessions := d.sessions.EnumerateSessions()

	resp := &port.Message{ControlCode: EnumerateSessions, PayloadType: port.Data}
	resp.Parameter0 = uint32(len(sessions)) //nolint:gosec

	raw, err := json.Marshal(sessions)
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode session list")
	}

	return resp, raw, nil
}

func (d *Dispatcher) handleSessionCreate(_ context.Context, _ *session.Session, req *port.Message, data []byte) (*port.Message, []byte, error) {
	var env map[string]string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, errkind.Wrap(err, errkind.Argument, "decode session environment")
		}
	}

	peerAPIVersion := uint16(req.Parameter0) //nolint:gosec
	s := d.sessions.CreateSession(peerAPIVersion, env)

	resp := &port.Message{ControlCode: SessionCreate, Parameter0: uint32(s.ID())} //nolint:gosec

	return resp, nil, nil
}

func (d *Dispatcher) handleSessionOpen(_ context.Context, _ *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	s, err := d.sessions.Session(ids.ObjectId(req.Parameter0))
	if err != nil {
		return nil, nil, err
	}

	s.Attach()

	return &port.Message{ControlCode: SessionOpen, Parameter0: uint32(s.ID())}, nil, nil //nolint:gosec
}

func (d *Dispatcher) handleSessionClose(ctx context.Context, s *session.Session, _ *port.Message, _ []byte) (*port.Message, []byte, error) {
	if !s.IsAlive() {
		return nil, nil, errkind.New(errkind.InvalidOperation, "session is already closed")
	}

	if s.Detach() {
		if err := d.sessions.CloseSession(ctx, s.ID()); err != nil {
			return nil, nil, err
		}
	}

	return &port.Message{ControlCode: SessionClose}, nil, nil
}

type sessionInfo struct {
	ID             ids.ObjectId      `json:"id"`
	PeerAPIVersion uint16            `json:"peerApiVersion"`
	Environment    map[string]string `json:"environment"`
}

func handleSessionQuery(_ context.Context, s *session.Session, _ *port.Message, _ []byte) (*port.Message, []byte, error) {
	raw, err := json.Marshal(sessionInfo{
		ID:             s.ID(),
		PeerAPIVersion: s.PeerAPIVersion(),
		Environment:    s.Environment(),
	})
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode session info")
	}

	return &port.Message{ControlCode: SessionQuery, PayloadType: port.Data}, raw, nil
}

func handleSessionSetConfiguration(_ context.Context, s *session.Session, _ *port.Message, data []byte) (*port.Message, []byte, error) {
	var settings []string
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Argument, "decode configuration settings")
	}

	for _, setting := range settings {
		if err := s.ApplySetting(setting); err != nil {
			return nil, nil, err
		}
	}

	return &port.Message{ControlCode: SessionSetConfiguration}, nil, nil
}

type storeCreateArgs struct {
	Specifier    string `json:"specifier"`
	AlwaysCreate bool   `json:"alwaysCreate"`
}

func handleStoreCreate(ctx context.Context, s *session.Session, _ *port.Message, data []byte) (*port.Message, []byte, error) {
	var args storeCreateArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Argument, "decode store create arguments")
	}

	if err := s.CreateStore(ctx, args.Specifier, args.AlwaysCreate); err != nil {
		return nil, nil, err
	}

	return &port.Message{ControlCode: StoreCreate}, nil, nil
}

func handleStoreClose(ctx context.Context, s *session.Session, _ *port.Message, _ []byte) (*port.Message, []byte, error) {
	if err := s.CloseStore(ctx); err != nil {
		return nil, nil, err
	}

	return &port.Message{ControlCode: StoreClose}, nil, nil
}

func handleStreamBufferRegister(_ context.Context, s *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	numSegments := int(req.Parameter0)
	segmentSize := int(req.Parameter1())

	id, _, err := s.RegisterStreamBuffer(segmentpool.Config{
		SegmentSize: segmentSize,
		NumSegments: numSegments,
		RetryCount:  segmentpool.DefaultConfig().RetryCount,
		RetrySleep:  segmentpool.DefaultConfig().RetrySleep,
	})
	if err != nil {
		return nil, nil, err
	}

	resp := &port.Message{ControlCode: StreamBufferRegister, Parameter0: uint32(id)} //nolint:gosec

	return resp, nil, nil
}

func handleStreamBufferEnumerate(_ context.Context, s *session.Session, _ *port.Message, _ []byte) (*port.Message, []byte, error) {
	bufs, err := s.EnumerateStreamBuffers()
	if err != nil {
		return nil, nil, err
	}

	raw, err := json.Marshal(bufs)
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode buffer list")
	}

	resp := &port.Message{ControlCode: StreamBufferEnumerate, PayloadType: port.Data}
	resp.Parameter0 = uint32(len(bufs)) //nolint:gosec

	return resp, raw, nil
}

type bufferInfo struct {
	ID          ids.ObjectId `json:"id"`
	NumSegments int          `json:"numSegments"`
	SegmentSize int          `json:"segmentSize"`
	Allocated   int          `json:"allocated"`
}

func handleStreamBufferQuery(_ context.Context, s *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	buf, err := s.StreamBuffer(ids.ObjectId(req.Parameter0))
	if err != nil {
		return nil, nil, err
	}

	raw, err := json.Marshal(bufferInfo{
		ID:          buf.ID(),
		NumSegments: buf.NumSegments(),
		SegmentSize: buf.SegmentSize(),
		Allocated:   buf.Allocated(),
	})
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode buffer info")
	}

	return &port.Message{ControlCode: StreamBufferQuery, PayloadType: port.Data}, raw, nil
}

type streamRegisterArgs struct {
	BufferID ids.ObjectId          `json:"bufferId"`
	Desc     types.StreamDescriptor `json:"descriptor"`
}

func handleStreamRegister(_ context.Context, s *session.Session, _ *port.Message, data []byte) (*port.Message, []byte, error) {
	var args streamRegisterArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Argument, "decode stream register arguments")
	}

	id, _, err := s.RegisterStream(args.BufferID, args.Desc, nil)
	if err != nil {
		return nil, nil, err
	}

	return &port.Message{ControlCode: StreamRegister, Parameter0: uint32(id)}, nil, nil //nolint:gosec
}

func handleStreamEnumerate(_ context.Context, s *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	includeHidden := req.Parameter0 != 0

	streamIDs, err := s.EnumerateStreams(includeHidden)
	if err != nil {
		return nil, nil, err
	}

	raw, err := json.Marshal(streamIDs)
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode stream list")
	}

	resp := &port.Message{ControlCode: StreamEnumerate, PayloadType: port.Data}
	resp.Parameter0 = uint32(len(streamIDs)) //nolint:gosec

	return resp, raw, nil
}

func handleStreamQuery(_ context.Context, s *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	strm, err := s.Stream(ids.ObjectId(req.Parameter0))
	if err != nil {
		return nil, nil, err
	}

	stats := strm.Statistics()

	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode stream statistics")
	}

	return &port.Message{ControlCode: StreamQuery, PayloadType: port.Data}, raw, nil
}

func handleStreamAppend(_ context.Context, s *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	strm, err := s.Stream(ids.ObjectId(req.Parameter0))
	if err != nil {
		return nil, nil, err
	}

	segID, ctrl, seq, err := strm.Append(context.Background(), 0)
	if err != nil {
		return nil, nil, err
	}

	resp := &port.Message{ControlCode: StreamAppend, Parameter0: uint32(seq)} //nolint:gosec
	resp.SetParameter1(uint32(segID))                                        //nolint:gosec

	raw, err := json.Marshal(ctrl)
	if err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Platform, "encode segment control element")
	}

	resp.PayloadType = port.Data

	return resp, raw, nil
}

type streamCloseAndOpenArgs struct {
	CloseSequenceNumber uint64                `json:"closeSequenceNumber"`
	Query               types.StreamOpenQuery `json:"query"`
}

func (d *Dispatcher) handleStreamCloseAndOpen(ctx context.Context, s *session.Session, req *port.Message, data []byte) (*port.Message, []byte, error) {
	streamID := ids.ObjectId(req.Parameter0)

	strm, err := s.Stream(streamID)
	if err != nil {
		return nil, nil, err
	}

	var args streamCloseAndOpenArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, nil, errkind.Wrap(err, errkind.Argument, "decode stream close-and-open arguments")
	}

	loc, ok := strm.Location(args.CloseSequenceNumber)
	if !ok {
		return nil, nil, errkind.New(errkind.NotFound, "unknown sequence number")
	}

	ctrl := &types.SegmentControlElement{
		EntryCount:    loc.RawEntryCount,
		RawEntryCount: loc.RawEntryCount,
	}

	if err := strm.Close(args.CloseSequenceNumber, ctrl, loc.Ranges.Index.Start); err != nil {
		return nil, nil, err
	}

	if err := d.commitClosedSegment(ctx, s, strm, streamID, args.CloseSequenceNumber, ctrl); err != nil {
		return nil, nil, err
	}

	foundSeq, err := strm.Resolve(args.Query)
	if err != nil {
		return nil, nil, err
	}

	return &port.Message{ControlCode: StreamCloseAndOpen, Parameter0: uint32(foundSeq)}, nil, nil //nolint:gosec
}

func (d *Dispatcher) handleStreamClose(ctx context.Context, s *session.Session, req *port.Message, _ []byte) (*port.Message, []byte, error) {
	streamID := ids.ObjectId(req.Parameter0)

	strm, err := s.Stream(streamID)
	if err != nil {
		return nil, nil, err
	}

	seq := uint64(req.Parameter1())

	loc, ok := strm.Location(seq)
	if !ok {
		return nil, nil, errkind.New(errkind.NotFound, "unknown sequence number")
	}

	ctrl := &types.SegmentControlElement{
		EntryCount:    loc.RawEntryCount,
		RawEntryCount: loc.RawEntryCount,
	}

	if err := strm.Close(seq, ctrl, loc.Ranges.Index.Start); err != nil {
		return nil, nil, err
	}

	if err := d.commitClosedSegment(ctx, s, strm, streamID, seq, ctrl); err != nil {
		return nil, nil, err
	}

	return &port.Message{ControlCode: StreamClose}, nil, nil
}

// commitClosedSegment hands a just-Closed segment's durable bytes to
// Session.CommitSegment/Store.CommitSegment (§4.C), fetching the bytes
// from the stream's buffer-pool line before it is released.
func (d *Dispatcher) commitClosedSegment(ctx context.Context, s *session.Session, strm *stream.Stream, streamID ids.ObjectId, seq uint64, ctrl *types.SegmentControlElement) error {
	segID, ok := strm.SegmentID(seq)
	if !ok {
		return errkind.New(errkind.InvalidOperation, "segment is not open for writing")
	}

	buf := strm.Buffer()
	if buf == nil {
		return errkind.New(errkind.NotSupported, "stream has no backing buffer to commit from")
	}

	data, err := buf.SegmentEnd(segID, strm.EntrySize())
	if err != nil {
		return err
	}

	return d.commitSegment(ctx, s, streamID, seq, ctrl, data)
}

// commitSegment runs a segment commit on the processing pool (§4.H),
// or inline on the calling goroutine if the dispatcher was built
// without one.
func (d *Dispatcher) commitSegment(ctx context.Context, s *session.Session, streamID ids.ObjectId, seq uint64, ctrl *types.SegmentControlElement, data []byte) error {
	if d.processing == nil {
		return s.CommitSegment(ctx, streamID, seq, ctrl, data)
	}

	done := make(chan error, 1)

	err := d.processing.Submit(func(ctx context.Context) error {
		done <- s.CommitSegment(ctx, streamID, seq, ctrl, data)
		return nil
	}, workqueue.Normal)
	if err != nil {
		return err
	}

	return <-done
}
