// Command simutraced is the simutrace server's entry point: a thin
// wrapper over the kingpin command tree in package cli, mirroring the
// teacher's cmd/kopia layout.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/simutrace/simutrace/cli"
)

func main() {
	app := kingpin.New("simutraced", "Simutrace tracing server.")
	cli.NewApp(app)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:forbidigo
		os.Exit(1)
	}
}
