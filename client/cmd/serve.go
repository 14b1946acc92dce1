package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
	"go.ntppool.org/common/health"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"
	"golang.org/x/sync/errgroup"

	"github.com/mrnimwx/speedprobe/server/probeserver"
)

type serveCmd struct {
	Listen     []string `name:"listen" default:":2020" env:"SPEEDPROBE_LISTEN" help:"addresses to listen on, the first one should be the ping port"`
	Cert       string   `name:"cert" env:"SPEEDPROBE_TLS_CERT" help:"TLS certificate (fullchain.pem)"`
	Key        string   `name:"key" env:"SPEEDPROBE_TLS_KEY" help:"TLS private key"`
	CertDir    string   `name:"cert-dir" env:"SPEEDPROBE_CERT_DIR" help:"look for <domain>/fullchain.pem and privkey.pem here when --cert isn't set"`
	HealthPort int      `name:"health-port" help:"port for the health check listener, 0 to disable"`
}

var serveBanner = heredoc.Doc(`
	speedprobe endpoint %s
	  listen: %s
	  tls:    %t
`)

func (cmd *serveCmd) Run(ctx context.Context, cli *ClientCmd) error {
	log := logger.FromContext(ctx)

	certFile, keyFile := cmd.Cert, cmd.Key
	if len(certFile) == 0 && len(cmd.CertDir) > 0 {
		var ok bool
		certFile, keyFile, ok = probeserver.FindCertificates(cmd.CertDir)
		if !ok {
			log.WarnContext(ctx, "no certificates found, serving plain HTTP", "cert-dir", cmd.CertDir)
		}
	}
	if (len(certFile) == 0) != (len(keyFile) == 0) {
		return fmt.Errorf("--cert and --key must be used together")
	}

	metricssrv := metricsserver.New()
	version.RegisterMetric("speedprobe_endpoint", metricssrv.Registry())

	srv := probeserver.New(log, metricssrv.Registry())

	fmt.Fprintf(cli.out(), serveBanner, version.Version(), strings.Join(cmd.Listen, ", "), len(certFile) > 0)

	g, ctx := errgroup.WithContext(ctx)

	if cli.MetricsPort > 0 {
		g.Go(func() error {
			return metricssrv.ListenAndServe(ctx, cli.MetricsPort)
		})
	}

	if cmd.HealthPort > 0 {
		go health.HealthCheckListener(ctx, cmd.HealthPort, log)
	}

	for _, listen := range cmd.Listen {
		cfg := probeserver.Config{
			Listen:   listen,
			CertFile: certFile,
			KeyFile:  keyFile,
		}
		g.Go(func() error {
			return srv.Run(ctx, cfg)
		})
	}

	return g.Wait()
}
