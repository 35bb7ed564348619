// Package cli implements the command-line commands for simutraced,
// modeled on the teacher's cli.App: one kingpin-based command tree
// built up by per-subcommand setup() methods registered against a
// shared App.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"

	"github.com/simutrace/simutrace/internal/logging"
)

var log = logging.Module("simutrace/cli")

// App holds per-invocation flags and state shared by every command.
type App struct {
	configPath string
	workspace  string
	bindings   []string

	server commandServer

	stdoutWriter io.Writer
	stderrWriter io.Writer
	rootctx      context.Context //nolint:containedctx
}

// NewApp builds the simutraced command tree rooted at kingpinApp.
func NewApp(kingpinApp *kingpin.Application) *App {
	app := &App{
		stdoutWriter: os.Stdout,
		stderrWriter: os.Stderr,
		rootctx:      context.Background(),
	}

	kingpinApp.Flag("config-file", "Path to the simutraced configuration file.").
		Default(defaultConfigPath()).StringVar(&app.configPath)
	kingpinApp.Flag("workspace", "Override the configured workspace directory.").
		StringVar(&app.workspace)
	kingpinApp.Flag("bind", "Override the configured server bindings (repeatable).").
		StringsVar(&app.bindings)

	app.server.setup(app, kingpinApp.Command("server", "Start or query a simutraced server."))

	return app
}

func defaultConfigPath() string {
	if v := os.Getenv("SIMUTRACE_CONFIG"); v != "" {
		return v
	}

	return "/etc/simutrace/simutraced.json"
}

func (c *App) rootContext() context.Context { return c.rootctx }

// noBackgroundAction wraps act so kingpin command actions can return a
// plain error while still logging it through the app's scoped logger.
func (c *App) noBackgroundAction(act func(ctx context.Context) error) func(*kingpin.ParseContext) error {
	return func(*kingpin.ParseContext) error {
		if err := act(c.rootContext()); err != nil {
			log(c.rootContext()).Error("command failed: %v", err)
			return errors.Wrap(err, "command failed")
		}

		return nil
	}
}

func (c *App) printStdout(format string, args ...interface{}) {
	fmt.Fprintf(c.stdoutWriter, format, args...)
}
