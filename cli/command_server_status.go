package cli

import (
	"context"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/simutrace/simutrace/internal/handlers"
	"github.com/simutrace/simutrace/internal/port"
)

// commandServerStatus implements "simutraced server status": dial a
// running server's binding and issue a Null handshake to confirm it is
// alive and responsive.
type commandServerStatus struct {
	app *App

	binding string
	timeout time.Duration
}

func (c *commandServerStatus) setup(app *App, cmd *kingpin.CmdClause) {
	c.app = app

	cmd.Flag("binding", "Port binding to query.").Default("local:/var/run/simutrace/server").StringVar(&c.binding)
	cmd.Flag("timeout", "How long to wait for a response.").Default("5s").DurationVar(&c.timeout)
	cmd.Action(app.noBackgroundAction(c.run))
}

func (c *commandServerStatus) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ch, err := port.Dial(ctx, c.binding)
	if err != nil {
		return errors.Wrap(err, "connect to server")
	}
	defer ch.Close()

	if err := ch.Send(&port.Message{ControlCode: handlers.Null}, nil); err != nil {
		return errors.Wrap(err, "send handshake")
	}

	resp, _, err := ch.Receive()
	if err != nil {
		return errors.Wrap(err, "receive handshake response")
	}

	if resp.ControlCode != handlers.Null {
		return errors.New("server returned an unexpected response to the handshake")
	}

	c.app.printStdout("simutraced is running on %s\n", c.binding)

	return nil
}
