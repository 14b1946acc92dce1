package cmd

import (
	"context"
	"fmt"

	"go.ntppool.org/common/version"
)

type versionCmd struct {
	JSON bool `name:"json" help:"print the build information as JSON"`
}

func (cmd *versionCmd) Run(_ context.Context, cli *ClientCmd) error {
	if cmd.JSON {
		return writeJSON(cli.out(), version.VersionInfo())
	}
	fmt.Fprintf(cli.out(), "speedprobe %s\n", version.Version())
	return nil
}
