package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mrnimwx/speedprobe/client/resultcache"
	"github.com/mrnimwx/speedprobe/scorer"
	"github.com/mrnimwx/speedprobe/scorer/score"
)

type resultsCmd struct {
	ID   *int `arg:"" optional:"" help:"only show this candidate; includes an expired result"`
	JSON bool `name:"json" help:"print the results as JSON"`
}

type resultJSON struct {
	resultcache.Entry
	Verdict score.Verdict `json:"verdict"`
}

func (cmd *resultsCmd) Run(ctx context.Context, cli *ClientCmd) error {
	ctx, e, err := cli.newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	var entries []resultcache.Entry

	if cmd.ID != nil {
		entry, ok, err := e.cache.LastKnown(*cmd.ID)
		if err != nil {
			return err
		}
		if ok {
			entries = append(entries, entry)
		}
	} else {
		entries, err = e.cache.All()
		if err != nil {
			return err
		}
	}

	w := cli.out()

	if cmd.JSON {
		out := make([]resultJSON, 0, len(entries))
		for _, entry := range entries {
			out = append(out, resultJSON{Entry: entry, Verdict: verdict(entry)})
		}
		return writeJSON(w, out)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No results")
		return nil
	}

	fmt.Fprintf(w, "%-6s %-30s %10s %12s %12s %8s %-10s %s\n", "ID", "SERVER", "PING ms", "DOWN KB/s", "UP KB/s", "LOSS %", "QUALITY", "AGE")
	for _, entry := range entries {
		r := entry.Result
		age := entry.Age.Round(time.Second).String()
		if !entry.Fresh() {
			age += " (expired)"
		}
		fmt.Fprintf(w, "%-6d %-30s %10.1f %12.1f %12s %8s %-10s %s\n",
			entry.CandidateID, entry.Domain, r.PingMs, r.DownloadKBps,
			optional(r.UploadKBps), optional(r.LossPct), verdict(entry).Quality, age,
		)
	}
	return nil
}

// verdict scores a cached result with the policy of the profile that
// produced it.
func verdict(entry resultcache.Entry) score.Verdict {
	return scorer.ForResult(entry.Result).Score(entry.Result)
}
