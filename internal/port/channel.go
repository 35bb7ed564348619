package port

import (
	"context"
	"io"
	"net"
	"strings"

	"github.com/simutrace/simutrace/internal/errkind"
)

// Channel is a reliable, ordered byte-stream transport carrying Message
// frames (§4.F). It wraps whatever concrete connection a binding
// scheme produces (a Unix-domain socket for "local:", a TCP socket for
// "socket:").
type Channel interface {
	io.Closer
	Send(m *Message, data []byte) error
	Receive() (*Message, []byte, error)
}

// HandleTransfer is the optional capability a Channel exposes when its
// underlying transport can carry file descriptors alongside a message
// (a Unix-domain socket via SCM_RIGHTS). A Channel lacking this
// capability degrades Handles-shaped operations to a Data payload that
// copies the buffer contents instead (§4.F "content is copied on
// submission").
type HandleTransfer interface {
	SendHandles(fds []int) error
	ReceiveHandles(count int) ([]int, error)
}

// streamChannel is the generic, non-handle-transferring Channel
// implementation backing a plain net.Conn (used for "socket:"
// bindings).
type streamChannel struct {
	conn net.Conn
}

func (c *streamChannel) Send(m *Message, data []byte) error {
	return Send(c.conn, m, data)
}

func (c *streamChannel) Receive() (*Message, []byte, error) {
	return Receive(c.conn)
}

func (c *streamChannel) Close() error { return c.conn.Close() }

// Dial connects to a binding URI of the form "local:<path>" or
// "socket:<host:port>" and returns the corresponding Channel. A "local:"
// channel additionally implements HandleTransfer.
func Dial(ctx context.Context, binding string) (Channel, error) {
	scheme, addr, err := splitBinding(binding)
	if err != nil {
		return nil, err
	}

	var d net.Dialer

	switch scheme {
	case "local":
		conn, err := d.DialContext(ctx, "unix", addr)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.Network, "dial local binding")
		}

		return newUnixChannel(conn.(*net.UnixConn)), nil
	case "socket":
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.Network, "dial socket binding")
		}

		return &streamChannel{conn: conn}, nil
	default:
		return nil, errkind.Newf(errkind.Argument, "unsupported binding scheme %q", scheme)
	}
}

// Listener accepts Channels for one binding.
type Listener interface {
	Accept() (Channel, error)
	Close() error
	Addr() net.Addr
}

type netListener struct {
	ln     net.Listener
	scheme string
}

func (l *netListener) Accept() (Channel, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Network, "accept connection")
	}

	if l.scheme == "local" {
		return newUnixChannel(conn.(*net.UnixConn)), nil
	}

	return &streamChannel{conn: conn}, nil
}

func (l *netListener) Close() error    { return l.ln.Close() }
func (l *netListener) Addr() net.Addr  { return l.ln.Addr() }

// Listen binds a server-side Listener for a binding URI of the form
// "local:<path>" or "socket:<host:port>". For "socket:" bindings, a "*"
// host or port is translated to net.Listen's wildcard form: "*:8080"
// binds all interfaces, "host:*" picks a dynamic port (§6).
func Listen(binding string) (Listener, error) {
	scheme, addr, err := splitBinding(binding)
	if err != nil {
		return nil, err
	}

	network := "tcp"

	switch scheme {
	case "local":
		network = "unix"
	case "socket":
		addr, err = resolveSocketWildcards(addr)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errkind.Newf(errkind.Argument, "unsupported binding scheme %q", scheme)
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Network, "listen on binding")
	}

	return &netListener{ln: ln, scheme: scheme}, nil
}

// resolveSocketWildcards translates a "host:*" binding's "*" components
// into net.Listen's own wildcard spellings: "" for any interface, "0"
// for a dynamic port.
func resolveSocketWildcards(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errkind.Wrap(err, errkind.Argument, "malformed socket address")
	}

	if host == "*" {
		host = ""
	}

	if port == "*" {
		port = "0"
	}

	return net.JoinHostPort(host, port), nil
}

func splitBinding(binding string) (scheme, addr string, err error) {
	parts := strings.SplitN(binding, ":", 2)
	if len(parts) != 2 {
		return "", "", errkind.Newf(errkind.Argument, "malformed binding %q, expected scheme:address", binding)
	}

	return parts[0], parts[1], nil
}

// SequenceTracker enforces the sequence-number echo discipline of
// §4.F: each side's next message must carry the previous sequence
// number plus one, wrapping at 256; any other value is a protocol
// violation and the caller should abort the connection.
type SequenceTracker struct {
	expected uint8
	started  bool
}

// Validate checks seq against the expected next value and advances the
// tracker. The first call always succeeds and seeds the expectation.
func (t *SequenceTracker) Validate(seq uint8) error {
	if !t.started {
		t.started = true
		t.expected = seq + 1

		return nil
	}

	if seq != t.expected {
		return errkind.Newf(errkind.Network, "protocol violation: expected sequence number %d, got %d", t.expected, seq)
	}

	t.expected++

	return nil
}
