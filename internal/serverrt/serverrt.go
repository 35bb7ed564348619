// Package serverrt wires the Port/Message layer to the request
// handler dispatch table: one accept loop per configured binding, one
// read loop per accepted Channel, each message run through
// handlers.Dispatcher and replied to in turn. Modeled on the
// teacher's server command (cli/command_server_start.go), which
// likewise binds listeners, spins a serve loop, and tears everything
// down on a cancelled context.
package serverrt

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/handlers"
	"github.com/simutrace/simutrace/internal/ids"
	"github.com/simutrace/simutrace/internal/logging"
	"github.com/simutrace/simutrace/internal/metrics"
	"github.com/simutrace/simutrace/internal/port"
	"github.com/simutrace/simutrace/internal/workqueue"
)

var log = logging.Module("simutrace/serverrt")

// Server accepts connections on one or more Port bindings and serves
// RPC requests from each through a shared Dispatcher.
type Server struct {
	dispatcher *handlers.Dispatcher
	metrics    *metrics.Registry
	requests   *workqueue.Pool // normal/high priority RPC dispatch (§4.H); nil runs inline

	mu        sync.Mutex
	listeners []port.Listener
}

// New builds a Server dispatching through d, optionally recording
// request counters/errors into reg (nil disables metrics) and routing
// every dispatched request through requests (nil runs dispatch inline
// on the connection's own goroutine, which is what every test in this
// package does).
func New(d *handlers.Dispatcher, reg *metrics.Registry, requests *workqueue.Pool) *Server {
	return &Server{dispatcher: d, metrics: reg, requests: requests}
}

// Serve binds every address in bindings and blocks, accepting and
// serving connections, until ctx is cancelled. It returns once every
// listener has stopped; it does not wait for the per-connection
// handlers it started.
func (s *Server) Serve(ctx context.Context, bindings []string) error {
	if len(bindings) == 0 {
		return errkind.New(errkind.Argument, "no server bindings configured")
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, binding := range bindings {
		ln, err := port.Listen(binding)
		if err != nil {
			return errkind.Wrap(err, errkind.Network, "bind "+binding)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		g.Go(func() error {
			return s.acceptLoop(ctx, ln)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return s.closeListeners()
	})

	return g.Wait() //nolint:wrapcheck
}

func (s *Server) closeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ln := range s.listeners {
		_ = ln.Close()
	}

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln port.Listener) error {
	for {
		ch, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errkind.Wrap(err, errkind.Network, "accept connection")
		}

		go s.serveChannel(ctx, ch)
	}
}

// connState tracks a connection's peer API version, the session it is
// attached to, and the sequence tracker guarding against out-of-order
// requests (§4.F). The peer version is set to the server's own current
// version when the connection starts and is not renegotiated by
// SessionCreate/SessionOpen.
type connState struct {
	seq                port.SequenceTracker
	sessionID          ids.ObjectId
	peerMajor, peerMinor uint8
}

func (s *Server) serveChannel(ctx context.Context, ch port.Channel) {
	defer ch.Close()

	var state connState
	state.peerMajor, state.peerMinor = handlers.CurrentAPIVersionMajor, handlers.CurrentAPIVersionMinor

	for {
		req, data, err := ch.Receive()
		if err != nil {
			if err != io.EOF {
				log(ctx).Warn("connection read failed: %v", err)
			}

			return
		}

		if err := state.seq.Validate(req.SequenceNumber); err != nil {
			log(ctx).Warn("protocol violation, closing connection: %v", err)
			return
		}

		resp, respData, err := s.dispatch(ctx, state, req, data)
		if s.metrics != nil {
			s.recordMetrics(req, err)
		}

		if err != nil {
			resp = errorResponse(req, err)
			respData = nil
		} else if req.ControlCode == handlers.SessionCreate || req.ControlCode == handlers.SessionOpen {
			state.sessionID = ids.ObjectId(resp.Parameter0)
		}

		resp.SequenceNumber = req.SequenceNumber

		if err := ch.Send(resp, respData); err != nil {
			log(ctx).Warn("connection write failed: %v", err)
			return
		}
	}
}

// dispatch runs one request through the dispatcher, routed through the
// request pool if one was configured (§4.H). The caller (the
// connection's own goroutine) blocks until the result is ready either
// way, so per-connection request/response ordering is unaffected by
// which goroutine actually executes the dispatch.
func (s *Server) dispatch(ctx context.Context, state connState, req *port.Message, data []byte) (*port.Message, []byte, error) {
	if s.requests == nil {
		return s.dispatcher.Dispatch(ctx, state.peerMajor, state.peerMinor, state.sessionID, req, data)
	}

	type result struct {
		resp     *port.Message
		respData []byte
		err      error
	}

	done := make(chan result, 1)

	err := s.requests.Submit(func(ctx context.Context) error {
		resp, respData, err := s.dispatcher.Dispatch(ctx, state.peerMajor, state.peerMinor, state.sessionID, req, data)
		done <- result{resp, respData, err}
		return nil
	}, workqueue.Normal)
	if err != nil {
		return nil, nil, err
	}

	r := <-done

	return r.resp, r.respData, r.err
}

func (s *Server) recordMetrics(req *port.Message, err error) {
	code := hex16(req.ControlCode)
	s.metrics.RequestsTotal.WithLabelValues(code).Inc()

	if s.requests != nil {
		s.metrics.QueueDepth.WithLabelValues("request", "all").Set(float64(s.requests.Len()))
	}

	if err != nil {
		kind := "unknown"
		if e, ok := err.(*errkind.Error); ok { //nolint:errorlint
			kind = e.Kind.String()
		}

		s.metrics.RequestErrors.WithLabelValues(code, kind).Inc()
	}
}

func hex16(v uint16) string {
	const hexDigits = "0123456789abcdef"

	b := make([]byte, 6)
	b[0], b[1] = '0', 'x'

	for i := 5; i >= 2; i-- {
		b[i] = hexDigits[v&0xF]
		v >>= 4
	}

	return string(b)
}

// errStatus is the single reserved control code carrying a failure
// response, mirroring §4.F/§7's SC_Failed status.
const errStatus uint16 = 0xFFFF

func errorResponse(req *port.Message, err error) *port.Message {
	resp := &port.Message{ControlCode: errStatus, Parameter0: uint32(req.ControlCode)}

	if e, ok := err.(*errkind.Error); ok { //nolint:errorlint
		resp.SetParameter1(uint32(e.Kind))
	}

	return resp
}
