package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/prometheus/client_golang/prometheus"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"
	"golang.org/x/sync/errgroup"

	"github.com/mrnimwx/speedprobe/api"
	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/config"
	"github.com/mrnimwx/speedprobe/client/events"
	"github.com/mrnimwx/speedprobe/client/httpclient"
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/client/resultcache"
	"github.com/mrnimwx/speedprobe/client/scheduler"
	"github.com/mrnimwx/speedprobe/client/selection"
	"github.com/mrnimwx/speedprobe/mqttcm"
	"github.com/mrnimwx/speedprobe/paneldb"
)

// panelBackend is what both the panel HTTP client and the panel
// database provide.
type panelBackend interface {
	selection.Backend
	candidates.Lister
}

var errNoBackend = errors.New("no panel configured, use --panel.url or --database.dsn")

// engine is the state shared by the client commands for one
// invocation. Close must be called when the command is done.
type engine struct {
	cli *ClientCmd

	state *config.State
	cache *resultcache.Cache
	bus   *events.Bus
	reg   prometheus.Registerer

	backend panelBackend
	sched   *scheduler.Scheduler
	stagger time.Duration

	cancel  context.CancelFunc
	g       *errgroup.Group
	mq      *autopaho.ConnectionManager
	closers []func()
}

func (cmd *ClientCmd) newEngine(ctx context.Context) (context.Context, *engine, error) {
	log := logger.FromContext(ctx)

	st, err := config.Open(ctx, cmd.StateDir)
	if err != nil {
		return ctx, nil, fmt.Errorf("state directory: %w", err)
	}

	store, err := resultcache.NewFileStore(st.Path("results"))
	if err != nil {
		return ctx, nil, fmt.Errorf("result cache: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	e := &engine{
		cli:     cmd,
		state:   st,
		cache:   resultcache.New(store, time.Now),
		bus:     events.NewBus(),
		reg:     prometheus.NewRegistry(),
		stagger: scheduler.DefaultStagger,
		cancel:  cancel,
		g:       g,
	}

	if cmd.MetricsPort > 0 {
		metricssrv := metricsserver.New()
		version.RegisterMetric("speedprobe", metricssrv.Registry())
		e.reg = metricssrv.Registry()
		g.Go(func() error {
			return metricssrv.ListenAndServe(gctx, cmd.MetricsPort)
		})
	}

	if cmd.MQTT.Enabled() {
		if err := e.startMQTT(gctx); err != nil {
			// events still go to the local subscribers
			log.WarnContext(ctx, "mqtt unavailable", "err", err)
		}
	}

	return ctx, e, nil
}

func (e *engine) startMQTT(ctx context.Context) error {
	log := logger.FromContext(ctx).WithGroup("mqtt")

	name, err := os.Hostname()
	if err != nil {
		return err
	}
	name = "speedprobe-" + name

	topics := mqttcm.NewTopics(e.cli.MQTT.Prefix, name)

	mq, err := mqttcm.Setup(logger.NewContext(ctx, log), name, topics.Status(), e.cli.MQTT)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	e.mq = mq

	awaitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mq.AwaitConnection(awaitCtx); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}

	bridge := mqttcm.NewBridge(mq, topics)
	e.g.Go(func() error {
		return bridge.Run(ctx, e.bus)
	})
	return nil
}

// Backend returns the panel database backend when a DSN is set and
// the panel HTTP client otherwise.
func (e *engine) Backend(ctx context.Context) (panelBackend, error) {
	if e.backend != nil {
		return e.backend, nil
	}

	cli := e.cli

	if len(cli.Database.DSN) > 0 {
		if cli.UserID <= 0 {
			return nil, errors.New("--user-id is required with the panel database")
		}
		db, err := paneldb.OpenDB(ctx, cli.Database)
		if err != nil {
			return nil, fmt.Errorf("panel database: %w", err)
		}
		e.closers = append(e.closers, func() { db.Close() })
		e.backend = paneldb.NewBackend(db, cli.UserID)
		return e.backend, nil
	}

	if len(cli.Panel.URL) == 0 && len(os.Getenv("DEVEL_PANEL_URL")) == 0 {
		return nil, errNoBackend
	}

	client := httpclient.New(httpclient.Options{
		Name:    "speedprobe-panel",
		Timeout: 30 * time.Second,
	})
	pc, err := api.NewPanelClient(client, cli.Panel.URL, cli.Panel.Session,
		api.WithSessionCookie(cli.Panel.Cookie),
	)
	if err != nil {
		return nil, err
	}
	e.backend = pc
	return e.backend, nil
}

// Registry returns the candidate list from --servers or the panel.
func (e *engine) Registry(ctx context.Context) (candidates.Registry, error) {
	if len(e.cli.Servers) > 0 {
		return candidates.LoadFile(e.cli.Servers)
	}
	backend, err := e.Backend(ctx)
	if err != nil {
		return nil, err
	}
	return candidates.NewRemote(backend), nil
}

func (e *engine) Candidates(ctx context.Context) ([]candidates.Candidate, error) {
	reg, err := e.Registry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.List(ctx)
}

func (e *engine) Selection(ctx context.Context) (*selection.Controller, error) {
	backend, err := e.Backend(ctx)
	if err != nil {
		return nil, err
	}
	return selection.New(backend, e.state, e.bus), nil
}

func (e *engine) Scheduler() (*scheduler.Scheduler, error) {
	if e.sched != nil {
		return e.sched, nil
	}

	pf := e.cli.Probe
	ipv, ok := httpclient.ParseIPVersion(pf.IPVersion)
	if !ok {
		return nil, fmt.Errorf("invalid IP version %q", pf.IPVersion)
	}

	client := httpclient.New(httpclient.Options{
		Name:      "speedprobe",
		IPVersion: ipv,
		Insecure:  pf.Insecure,
		NoRetry:   true,
	})
	suite := probe.NewSuite(client, probe.Config{
		Scheme:   pf.Scheme,
		PingPort: pf.PingPort,
	})

	e.sched = scheduler.New(scheduler.Options{
		Prober:  suite,
		Cache:   e.cache,
		Bus:     e.bus,
		Metrics: scheduler.NewMetrics(e.reg),
		Stagger: e.stagger,
	})
	return e.sched, nil
}

func (e *engine) Close(ctx context.Context) {
	log := logger.FromContext(ctx)

	if e.sched != nil {
		e.sched.Close()
	}
	e.bus.Close()

	if e.mq != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := e.mq.Disconnect(disconnectCtx); err != nil {
			log.Debug("mqtt disconnect", "err", err)
		}
		cancel()
		// wait until the mqtt connection is done; or two seconds
		select {
		case <-e.mq.Done():
		case <-time.After(2 * time.Second):
		}
	}

	e.cancel()
	if err := e.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("background service", "err", err)
	}

	for _, fn := range e.closers {
		fn()
	}
}
