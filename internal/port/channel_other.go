//go:build !unix

package port

import (
	"net"

	"github.com/simutrace/simutrace/internal/errkind"
)

// unixChannel on non-Unix platforms is a plain Channel with no handle-
// transfer capability; "local:" bindings fall back to copying buffer
// contents through a Data payload instead of transferring a descriptor.
type unixChannel struct {
	conn *net.UnixConn
}

func newUnixChannel(conn *net.UnixConn) *unixChannel {
	return &unixChannel{conn: conn}
}

func (c *unixChannel) Send(m *Message, data []byte) error {
	return Send(c.conn, m, data)
}

func (c *unixChannel) Receive() (*Message, []byte, error) {
	return Receive(c.conn)
}

func (c *unixChannel) Close() error { return c.conn.Close() }

func (c *unixChannel) SendHandles([]int) error {
	return errkind.New(errkind.NotSupported, "handle transfer is not supported on this platform")
}

func (c *unixChannel) ReceiveHandles(int) ([]int, error) {
	return nil, errkind.New(errkind.NotSupported, "handle transfer is not supported on this platform")
}
