package main

import (
	"github.com/MakeNowJust/heredoc"
	"go.ntppool.org/common/logger"

	"github.com/mrnimwx/speedprobe/client/cmd"
	rootcmd "github.com/mrnimwx/speedprobe/cmd"
)

func main() {
	logger.ConfigPrefix = "SPEEDPROBE"

	rootcmd.Run(&cmd.ClientCmd{}, "speedprobe", heredoc.Doc(`
		Network quality assessment for speed servers.

		Measures latency, throughput and data integrity against candidate
		servers, scores the results and pushes the chosen server to the
		panel.
	`))
}
