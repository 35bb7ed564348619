package port_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/port"
)

func TestSocketBindingRoundTripsMessages(t *testing.T) {
	t.Parallel()

	ln, err := port.Listen("socket:127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan port.Channel, 1)

	go func() {
		ch, err := ln.Accept()
		require.NoError(t, err)
		accepted <- ch
	}()

	client, err := port.Dial(context.Background(), "socket:"+ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	msg := &port.Message{ControlCode: 0x0001, Parameter0: 99}
	require.NoError(t, client.Send(msg, nil))

	got, _, err := server.Receive()
	require.NoError(t, err)
	require.EqualValues(t, 99, got.Parameter0)
}

func TestSocketBindingResolvesWildcardHostAndPort(t *testing.T) {
	t.Parallel()

	ln, err := port.Listen("socket:*:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NotEqual(t, "0", portStr)

	ln2, err := port.Listen("socket:127.0.0.1:*")
	require.NoError(t, err)
	defer ln2.Close()

	_, portStr2, err := net.SplitHostPort(ln2.Addr().String())
	require.NoError(t, err)
	require.NotEqual(t, "0", portStr2)
}

func TestLocalBindingTransfersHandles(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "simutrace.sock")

	ln, err := port.Listen("local:" + sock)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan port.Channel, 1)

	go func() {
		ch, err := ln.Accept()
		require.NoError(t, err)
		accepted <- ch
	}()

	client, err := port.Dial(context.Background(), "local:"+sock)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	xfer, ok := client.(port.HandleTransfer)
	require.True(t, ok)

	f, err := os.CreateTemp(t.TempDir(), "handle-*")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, xfer.SendHandles([]int{int(f.Fd())}))

	recv, ok := server.(port.HandleTransfer)
	require.True(t, ok)

	done := make(chan struct{})
	var fds []int
	var recvErr error

	go func() {
		fds, recvErr = recv.ReceiveHandles(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handle transfer")
	}

	require.NoError(t, recvErr)
	require.Len(t, fds, 1)
}
