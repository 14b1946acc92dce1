package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.ntppool.org/common/logger"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/selection"
)

type selectCmd struct {
	Server    string `arg:"" optional:"" help:"candidate server id, or \"none\" to clear the selection; shows the current selection when omitted"`
	Reconfirm bool   `name:"reconfirm" help:"send the selection to the panel even if it's already current"`
	Provision bool   `name:"provision" help:"create the subscription and retry when the panel requires one"`
}

func (cmd *selectCmd) Run(ctx context.Context, cli *ClientCmd) error {
	log := logger.FromContext(ctx)

	ctx, e, err := cli.newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	w := cli.out()

	if len(cmd.Server) == 0 {
		sel := e.state.Selection()
		if sel.CandidateID == nil {
			fmt.Fprintln(w, "No server selected")
			return nil
		}
		fmt.Fprintf(w, "Selected server %d (updated %s)\n", *sel.CandidateID, sel.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	}

	id, err := parseServerArg(cmd.Server)
	if err != nil {
		return err
	}

	if id != nil && len(cli.Servers) > 0 {
		// the panel checks ids itself; a local list lets us fail early
		list, err := e.Candidates(ctx)
		if err != nil {
			return err
		}
		if _, ok := candidates.Find(list, *id); !ok {
			return fmt.Errorf("candidate %d not found", *id)
		}
	}

	ctl, err := e.Selection(ctx)
	if err != nil {
		return err
	}
	ctl.Reconfirm = cmd.Reconfirm

	sel, err := ctl.Select(ctx, id)
	if errors.Is(err, selection.ErrEntitlementRequired) && cmd.Provision {
		log.InfoContext(ctx, "creating subscription")
		if err := ctl.Provision(ctx); err != nil {
			return err
		}
		sel, err = ctl.Select(ctx, id)
	}
	if err != nil {
		return err
	}

	if sel.CandidateID == nil {
		fmt.Fprintln(w, "Selection cleared")
		return nil
	}
	fmt.Fprintf(w, "Selected server %s\n", sel)
	return nil
}

// parseServerArg returns nil for "none".
func parseServerArg(s string) (*int, error) {
	if s == "none" {
		return nil, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid server id %q", s)
	}
	return &id, nil
}

type provisionCmd struct{}

func (cmd *provisionCmd) Run(ctx context.Context, cli *ClientCmd) error {
	ctx, e, err := cli.newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	ctl, err := e.Selection(ctx)
	if err != nil {
		return err
	}
	if err := ctl.Provision(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cli.out(), "Subscription created")
	return nil
}

type candidatesCmd struct {
	JSON bool `name:"json" help:"print the list as JSON"`
}

func (cmd *candidatesCmd) Run(ctx context.Context, cli *ClientCmd) error {
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

	if cmd.JSON {
		if list == nil {
			list = []candidates.Candidate{}
		}
		return writeJSON(w, list)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No servers available")
		return nil
	}

	current := e.state.Selection()
	for _, c := range list {
		mark := " "
		if current.Equal(&c.ID) {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %-6d %s:%d\n", mark, c.ID, c.Domain, c.Port)
	}
	return nil
}
