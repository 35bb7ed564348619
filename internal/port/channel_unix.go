//go:build unix

package port

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/simutrace/simutrace/internal/errkind"
)

// unixChannel is a Channel over a Unix-domain socket, additionally
// implementing HandleTransfer via SCM_RIGHTS ancillary messages so a
// stream buffer's backing file descriptor can be handed to a local
// client without copying the segment data (§4.A, §4.F).
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

// SendHandles duplicates and transmits fds as SCM_RIGHTS ancillary data
// alongside a single one-byte regular message.
func (c *unixChannel) SendHandles(fds []int) error {
	rights := unix.UnixRights(fds...)

	raw, err := c.conn.SyscallConn()
	if err != nil {
		return errkind.Wrap(err, errkind.Platform, "access raw unix connection")
	}

	var sendErr error

	ctrlErr := raw.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), []byte{0}, rights, nil, 0)
	})
	if ctrlErr != nil {
		return errkind.Wrap(ctrlErr, errkind.Platform, "control raw unix connection")
	}

	if sendErr != nil {
		return errkind.Wrap(sendErr, errkind.Platform, "send handles")
	}

	return nil
}

// ReceiveHandles reads one SCM_RIGHTS ancillary message carrying up to
// count file descriptors.
func (c *unixChannel) ReceiveHandles(count int) ([]int, error) {
	oob := make([]byte, unix.CmsgSpace(count*4))
	buf := make([]byte, 1)

	raw, err := c.conn.SyscallConn()
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Platform, "access raw unix connection")
	}

	var (
		oobn    int
		recvErr error
	)

	ctrlErr := raw.Control(func(fd uintptr) {
		_, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
	})
	if ctrlErr != nil {
		return nil, errkind.Wrap(ctrlErr, errkind.Platform, "control raw unix connection")
	}

	if recvErr != nil {
		return nil, errkind.Wrap(recvErr, errkind.Platform, "receive handles")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Platform, "parse socket control message")
	}

	var fds []int

	for _, msg := range msgs {
		parsed, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}

		fds = append(fds, parsed...)
	}

	if len(fds) == 0 {
		return nil, errkind.New(errkind.Network, "no handles received")
	}

	return fds, nil
}
