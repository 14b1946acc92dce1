package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/events"
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/client/scheduler"
)

type testCmd struct {
	ID      int    `arg:"" help:"candidate server id"`
	Profile string `name:"profile" short:"p" default:"basic" enum:"basic,comprehensive" help:"probe profile (basic or comprehensive)"`
	JSON    bool   `name:"json" help:"print the outcome as JSON"`
}

func (cmd *testCmd) Run(ctx context.Context, cli *ClientCmd) error {
	profile, ok := probe.ProfileByName(cmd.Profile)
	if !ok {
		return fmt.Errorf("unknown profile %q", cmd.Profile)
	}

	ctx, span := tracing.Start(ctx, "speedprobe.test")
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
	c, ok := candidates.Find(list, cmd.ID)
	if !ok {
		return fmt.Errorf("candidate %d not found", cmd.ID)
	}

	sched, err := e.Scheduler()
	if err != nil {
		return err
	}

	w := cli.out()

	var (
		progressDone chan struct{}
		unsubscribe  = func() {}
	)
	if !cmd.JSON {
		var ch <-chan events.Event
		ch, unsubscribe = e.bus.Subscribe(32)
		defer unsubscribe()
		progressDone = make(chan struct{})
		go func() {
			defer close(progressDone)
			printProgress(w, ch, c.ID)
		}()
	}

	run, err := sched.Start(ctx, c, profile)
	if err != nil {
		return err
	}
	outcome, err := run.Wait(ctx)
	if err != nil {
		return err
	}

	if progressDone != nil {
		unsubscribe()
		<-progressDone
	}

	if cmd.JSON {
		if err := writeJSON(w, newOutcomeJSON(outcome)); err != nil {
			return err
		}
	} else {
		printOutcome(w, c, outcome)
	}
	return outcome.Err
}

// printProgress writes progress lines for candidate id until its run
// finishes or the channel closes.
func printProgress(w io.Writer, ch <-chan events.Event, id int) {
	for ev := range ch {
		if ev.CandidateID != id {
			continue
		}
		switch ev.Type {
		case events.Progress:
			fmt.Fprintf(w, "  %-10s %3.0f%%\n", ev.Phase, ev.Progress*100)
		case events.Completed, events.Failed:
			return
		}
	}
}

func printOutcome(w io.Writer, c candidates.Candidate, o scheduler.Outcome) {
	took := o.Finished.Sub(o.Started).Round(time.Millisecond)

	if o.Err != nil {
		fmt.Fprintf(w, "%s: %s after %s: %s\n", c, o.State, took, o.Err)
		return
	}

	fmt.Fprintf(w, "%s: %s in %s\n", c, o.State, took)
	if o.Result == nil {
		return
	}
	r := o.Result
	fmt.Fprintf(w, "  %-10s %.1f ms\n", "ping", r.PingMs)
	fmt.Fprintf(w, "  %-10s %.1f KB/s\n", "download", r.DownloadKBps)
	if r.UploadKBps != nil {
		fmt.Fprintf(w, "  %-10s %.1f KB/s\n", "upload", *r.UploadKBps)
	}
	if r.LossPct != nil {
		fmt.Fprintf(w, "  %-10s %.1f %%\n", "loss", *r.LossPct)
	}
	if o.Verdict != nil {
		fmt.Fprintf(w, "  %-10s %s (%d points)\n", "quality", o.Verdict.Quality, o.Verdict.Points)
	}
}

// outcomeJSON adds the error text that scheduler.Outcome leaves out.
type outcomeJSON struct {
	scheduler.Outcome
	Error string `json:"error,omitempty"`
}

func newOutcomeJSON(o scheduler.Outcome) outcomeJSON {
	oj := outcomeJSON{Outcome: o}
	if o.Err != nil {
		oj.Error = o.Err.Error()
	}
	return oj
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logOutcome(ctx context.Context, o scheduler.Outcome) {
	log := logger.FromContext(ctx)
	if o.Err != nil {
		log.DebugContext(ctx, "test not completed", "candidate", o.CandidateID, "state", o.State, "err", o.Err)
	}
}
