package serverrt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/backend/fsbackend"
	"github.com/simutrace/simutrace/internal/handlers"
	"github.com/simutrace/simutrace/internal/port"
	"github.com/simutrace/simutrace/internal/serverrt"
	"github.com/simutrace/simutrace/internal/sessionmgr"
	"github.com/simutrace/simutrace/internal/store"
	"github.com/simutrace/simutrace/internal/workqueue"
)

func TestServeRespondsToNullOverSocketBinding(t *testing.T) {
	t.Parallel()

	stores := sessionmgr.NewStoreManager(func() store.Backend { return fsbackend.New() })
	mgr := sessionmgr.NewSessionManager(stores, time.Second, nil)
	defer mgr.Close(context.Background())

	srv := serverrt.New(handlers.NewDispatcher(mgr, nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ctx, []string{"socket:127.0.0.1:18429"})
	}()

	// Serve binds asynchronously; poll briefly until the listener is up.
	var (
		ch  port.Channel
		err error
	)

	for i := 0; i < 50; i++ {
		ch, err = port.Dial(context.Background(), "socket:127.0.0.1:18429")
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(&port.Message{ControlCode: handlers.Null}, nil))

	resp, _, err := ch.Receive()
	require.NoError(t, err)
	require.Equal(t, handlers.Null, resp.ControlCode)

	cancel()
	<-errCh
}

func TestServeDispatchesThroughRequestPool(t *testing.T) {
	t.Parallel()

	stores := sessionmgr.NewStoreManager(func() store.Backend { return fsbackend.New() })
	mgr := sessionmgr.NewSessionManager(stores, time.Second, nil)
	defer mgr.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := workqueue.NewPool(ctx, "request", 2, false, nil)
	defer pool.Close(true, time.Second) //nolint:errcheck

	srv := serverrt.New(handlers.NewDispatcher(mgr, nil), nil, pool)

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ctx, []string{"socket:127.0.0.1:18430"})
	}()

	var (
		ch  port.Channel
		err error
	)

	for i := 0; i < 50; i++ {
		ch, err = port.Dial(context.Background(), "socket:127.0.0.1:18430")
		if err == nil {
			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(&port.Message{ControlCode: handlers.Null}, nil))

	resp, _, err := ch.Receive()
	require.NoError(t, err)
	require.Equal(t, handlers.Null, resp.ControlCode)

	cancel()
	<-errCh
}

func TestServeRejectsWithNoBindings(t *testing.T) {
	t.Parallel()

	stores := sessionmgr.NewStoreManager(func() store.Backend { return fsbackend.New() })
	mgr := sessionmgr.NewSessionManager(stores, time.Second, nil)
	defer mgr.Close(context.Background())

	srv := serverrt.New(handlers.NewDispatcher(mgr, nil), nil, nil)
	err := srv.Serve(context.Background(), nil)
	require.Error(t, err)
}
