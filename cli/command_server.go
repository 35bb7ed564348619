package cli

import (
	"github.com/alecthomas/kingpin/v2"
)

// commandServer groups the "server" subcommands (§6 CLI / entry point:
// start a listening server, or query a running one's health).
type commandServer struct {
	start  commandServerStart
	status commandServerStatus
}

func (c *commandServer) setup(app *App, cmd *kingpin.CmdClause) {
	c.start.setup(app, cmd.Command("start", "Start the simutraced server.").Default())
	c.status.setup(app, cmd.Command("status", "Query a running simutraced server."))
}
