package cmd

import (
	"context"
	"fmt"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"github.com/mrnimwx/speedprobe/client/probe"
)

type testAllCmd struct {
	Profile string        `name:"profile" short:"p" default:"basic" enum:"basic,comprehensive" help:"probe profile (basic or comprehensive)"`
	Stagger time.Duration `name:"stagger" default:"2s" help:"delay between starting tests"`
	JSON    bool          `name:"json" help:"print the outcomes as JSON"`
}

func (cmd *testAllCmd) Run(ctx context.Context, cli *ClientCmd) error {
	log := logger.FromContext(ctx)

	profile, ok := probe.ProfileByName(cmd.Profile)
	if !ok {
		return fmt.Errorf("unknown profile %q", cmd.Profile)
	}

	ctx, span := tracing.Start(ctx, "speedprobe.test-all")
	defer span.End()

	ctx, e, err := cli.newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	list, err := e.Candidates(ctx)
	if err != nil {
		return err
	}

	w := cli.out()

	if len(list) == 0 {
		if cmd.JSON {
			return writeJSON(w, []outcomeJSON{})
		}
		fmt.Fprintln(w, "No servers available")
		return nil
	}

	e.stagger = cmd.Stagger
	sched, err := e.Scheduler()
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "testing all servers", "count", len(list), "profile", profile.Name)

	outcomes := sched.TestAll(ctx, list, profile)

	if cmd.JSON {
		out := make([]outcomeJSON, 0, len(outcomes))
		for _, o := range outcomes {
			out = append(out, newOutcomeJSON(o))
		}
		return writeJSON(w, out)
	}

	fmt.Fprintf(w, "%-6s %-10s %10s %12s %12s %8s  %s\n", "ID", "STATE", "PING ms", "DOWN KB/s", "UP KB/s", "LOSS %", "QUALITY")
	for i, o := range outcomes {
		logOutcome(ctx, o)

		if o.Result == nil {
			msg := "-"
			if o.Err != nil {
				msg = o.Err.Error()
			}
			fmt.Fprintf(w, "%-6d %-10s %10s %12s %12s %8s  %s\n", list[i].ID, o.State, "-", "-", "-", "-", msg)
			continue
		}

		r := o.Result
		quality := "-"
		if o.Verdict != nil {
			quality = o.Verdict.Quality.String()
		}
		fmt.Fprintf(w, "%-6d %-10s %10.1f %12.1f %12s %8s  %s\n",
			list[i].ID, o.State, r.PingMs, r.DownloadKBps,
			optional(r.UploadKBps), optional(r.LossPct), quality,
		)
	}

	return nil
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *v)
}
