package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"go.ntppool.org/common/config/depenv"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"

	"github.com/mrnimwx/speedprobe/mqttcm"
	"github.com/mrnimwx/speedprobe/paneldb"
)

type ClientCmd struct {
	StateDir  string `name:"state-dir" help:"directory for the selection state and cached results"`
	Debug     bool   `name:"debug" env:"SPEEDPROBE_DEBUG" help:"enable debug logging"`
	DeployEnv string `name:"deploy-env" env:"DEPLOYMENT_MODE" default:"prod" enum:"prod,test,devel" help:"deployment environment, used for tracing"`

	Servers string `name:"servers" env:"SPEEDPROBE_SERVERS" type:"existingfile" help:"JSON file with the candidate servers, instead of asking the panel"`

	Probe    ProbeFlags     `embed:"" prefix:"probe."`
	Panel    PanelFlags     `embed:"" prefix:"panel."`
	Database paneldb.Config `embed:"" prefix:"database."`
	UserID   int            `name:"user-id" env:"SPEEDPROBE_USER_ID" help:"panel user id when writing to the panel database"`
	MQTT     mqttcm.Config  `embed:"" prefix:"mqtt."`

	MetricsPort int `name:"metrics-port" env:"SPEEDPROBE_METRICS_PORT" help:"serve prometheus metrics on this port"`

	Test       testCmd       `cmd:"" help:"run a probe profile against one candidate"`
	TestAll    testAllCmd    `cmd:"" name:"test-all" help:"test every candidate, a couple of seconds apart"`
	Results    resultsCmd    `cmd:"" help:"show cached results"`
	Select     selectCmd     `cmd:"" help:"choose the speed server for the subscription"`
	Provision  provisionCmd  `cmd:"" help:"create the subscription needed for selecting a server"`
	Candidates candidatesCmd `cmd:"" help:"list the candidate servers"`
	Serve      serveCmd      `cmd:"" help:"run a probe endpoint"`
	Version    versionCmd    `cmd:"" help:"print version and build information"`

	stdout   io.Writer
	shutdown tracing.TpShutdownFunc
}

type ProbeFlags struct {
	Scheme    string `name:"scheme" default:"https" enum:"http,https" help:"scheme for the probe endpoints"`
	PingPort  int    `name:"ping-port" default:"2020" help:"port for /ping, 0 uses the server's test port"`
	IPVersion string `name:"ip" default:"any" enum:"any,4,6" help:"IP version for probes (any, 4 or 6)"`
	Insecure  bool   `name:"insecure" help:"skip certificate verification on probe endpoints"`
}

type PanelFlags struct {
	URL     string `name:"url" env:"SPEEDPROBE_PANEL_URL" help:"panel endpoint"`
	Session string `name:"session" env:"SPEEDPROBE_PANEL_SESSION" help:"panel session cookie value"`
	Cookie  string `name:"cookie" default:"PHPSESSID" help:"panel session cookie name"`
}

// BeforeApply resolves the state directory: SPEEDPROBE_STATE_DIR, then
// STATE_DIRECTORY from systemd, then the user config directory. An
// explicit --state-dir wins over all of them.
func (cmd *ClientCmd) BeforeApply() error {
	if len(cmd.StateDir) > 0 {
		return nil
	}

	if dir := os.Getenv("SPEEDPROBE_STATE_DIR"); len(dir) > 0 {
		cmd.StateDir = dir
		return nil
	}

	if dir := os.Getenv("STATE_DIRECTORY"); len(dir) > 0 {
		cmd.StateDir = dir
		return nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("could not find a state directory: %w", err)
	}
	cmd.StateDir = filepath.Join(dir, "speedprobe")
	return nil
}

func (cmd *ClientCmd) AfterApply(kctx *kong.Context, ctx context.Context) error {
	log := cmd.logger()
	ctx = logger.NewContext(ctx, log)

	shutdown, err := InitTracing(ctx, depenv.DeploymentEnvironmentFromString(cmd.DeployEnv))
	if err != nil {
		log.WarnContext(ctx, "tracing unavailable", "err", err)
	} else {
		cmd.shutdown = shutdown
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	return nil
}

// Shutdown flushes traces after the command has run.
func (cmd *ClientCmd) Shutdown(ctx context.Context) error {
	if cmd.shutdown == nil {
		return nil
	}
	return cmd.shutdown(ctx)
}

// logger sets up the common logger. --debug is passed on through the
// environment variable the logger reads its level from.
func (cmd *ClientCmd) logger() *slog.Logger {
	if cmd.Debug {
		os.Setenv(debugEnv(), "true")
	}
	return logger.Setup()
}

func debugEnv() string {
	if len(logger.ConfigPrefix) == 0 {
		return "DEBUG"
	}
	return logger.ConfigPrefix + "_DEBUG"
}

func (cmd *ClientCmd) out() io.Writer {
	if cmd.stdout == nil {
		return os.Stdout
	}
	return cmd.stdout
}
