package rootcmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
)

// shutdowner is implemented by root commands with resources to release
// after the selected command ran, e.g. a trace provider.
type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func Run(cmd any, name, description string) {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	parser, err := kong.New(cmd,
		kong.Name(name),
		kong.Description(description),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree: true,
		}),
		kong.UsageOnError(),
	)
	if err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}

	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.FatalIfErrorf(err)
	}

	err = kctx.Run()

	if s, ok := cmd.(shutdowner); ok {
		if serr := s.Shutdown(context.Background()); serr != nil {
			log.Printf("shutdown: %v", serr)
		}
	}

	parser.FatalIfErrorf(err)
}
