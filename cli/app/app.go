// Package app assembles the rolegate command line application.
package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli"

	"github.com/rolegate/rolegate/cli/server"
	"github.com/rolegate/rolegate/pkg/config"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "RoleGate\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a rolegate instance of [cli.App] with all commands
// included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "rolegate"
	ctl.Version = config.Version
	ctl.Usage = "Token-gated Discord role service"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, server.NewCommands()...)
	return ctl
}
