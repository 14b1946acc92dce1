// Package probe measures latency, throughput and data integrity of a
// candidate server through its cooperative HTTP test endpoints.
package probe

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/metrics"
)

// DefaultPingPort is where the endpoint answers /ping, independent of
// the candidate's test port.
const DefaultPingPort = 2020

// Result is the outcome of a successful run. Upload and loss are only
// measured by profiles with upload sizes or the integrity phase.
type Result struct {
	PingMs       float64   `json:"ping_ms"`
	DownloadKBps float64   `json:"download_kbps"`
	UploadKBps   *float64  `json:"upload_kbps,omitempty"`
	LossPct      *float64  `json:"loss_pct,omitempty"`
	MeasuredAt   time.Time `json:"measured_at"`
	Profile      string    `json:"profile,omitempty"`
}

// ProgressFunc is called after each attempt with the overall fraction of
// the run completed.
type ProgressFunc func(phase Phase, fraction float64)

type Config struct {
	// Scheme is "https" unless testing against a plain endpoint.
	Scheme string
	// PingPort overrides the candidate port for /ping; 0 uses the
	// candidate's port.
	PingPort int
}

func DefaultConfig() Config {
	return Config{Scheme: "https", PingPort: DefaultPingPort}
}

// Suite runs probe profiles against candidates. It is safe for
// concurrent use; each Run has its own state.
type Suite struct {
	client *http.Client
	cfg    Config
}

func NewSuite(client *http.Client, cfg Config) *Suite {
	if len(cfg.Scheme) == 0 {
		cfg.Scheme = "https"
	}
	if err := metrics.InitInstruments(); err != nil {
		logger.Setup().Warn("probe metrics unavailable", "err", err)
	}
	return &Suite{client: client, cfg: cfg}
}

type run struct {
	s        *Suite
	c        candidates.Candidate
	p        Profile
	progress ProgressFunc
	total    int
	done     int
}

// Run executes the profile's phases in order against c. Either every
// phase produced a complete metric and a Result is returned, or the run
// fails with a *PhaseError (wrapping ErrProbeTimeout) or, when ctx is
// cancelled, the context error. A deadline on ctx only ends attempts;
// the profile's policy decides what the exhausted phases report.
func (s *Suite) Run(ctx context.Context, c candidates.Candidate, p Profile, progress ProgressFunc) (Result, error) {
	ctx, span := tracing.Start(ctx, "probe.run",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("candidate.id", c.ID),
			attribute.String("candidate.domain", c.Domain),
			attribute.String("profile", p.Name),
		),
	)
	defer span.End()

	r := &run{s: s, c: c, p: p, progress: progress, total: p.steps()}

	res, err := r.execute(ctx)
	metrics.AddRun(ctx, p.Name, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return res, nil
}

func (r *run) execute(ctx context.Context) (Result, error) {
	res := Result{Profile: r.p.Name}

	ping, err := r.pingPhase(ctx)
	if err != nil {
		return res, err
	}
	res.PingMs = ping

	down, err := r.downloadPhase(ctx)
	if err != nil {
		return res, err
	}
	res.DownloadKBps = down

	if len(r.p.UploadSizes) > 0 {
		up, err := r.uploadPhase(ctx)
		if err != nil {
			return res, err
		}
		res.UploadKBps = &up
	}

	if r.p.Integrity {
		loss, err := r.integrityPhase(ctx)
		if err != nil {
			return res, err
		}
		res.LossPct = &loss
	}

	res.MeasuredAt = time.Now()
	return res, nil
}

func (r *run) step(phase Phase) {
	r.done++
	if r.progress == nil || r.total == 0 {
		return
	}
	r.progress(phase, float64(r.done)/float64(r.total))
}

func (r *run) url(port int, path string) string {
	host := net.JoinHostPort(r.c.Domain, strconv.Itoa(port))
	return fmt.Sprintf("%s://%s%s", r.s.cfg.Scheme, host, path)
}

func (r *run) pingURL() string {
	port := r.s.cfg.PingPort
	if port == 0 {
		port = r.c.Port
	}
	return r.url(port, "/ping")
}

// sample is the outcome of one attempt.
type sample struct {
	value float64
	err   error
}

// aggregate averages the successful samples of a phase. Failed attempts
// are discarded, not counted as zero. When nothing succeeded the policy
// decides between the sentinel value and ErrProbeTimeout.
func aggregate(phase Phase, samples []sample, policy FailurePolicy, sentinel float64) (float64, error) {
	sum := 0.0
	n := 0
	var lastErr error
	for _, s := range samples {
		if s.err != nil {
			lastErr = s.err
			continue
		}
		if math.IsNaN(s.value) || math.IsInf(s.value, 0) || s.value < 0 {
			continue
		}
		sum += s.value
		n++
	}
	if n > 0 {
		return sum / float64(n), nil
	}
	if policy == PolicySentinel {
		return sentinel, nil
	}
	if lastErr == nil {
		lastErr = ErrProbeTimeout
	}
	return 0, &PhaseError{
		Phase:    phase,
		Attempts: len(samples),
		Err:      fmt.Errorf("%w: %w", ErrProbeTimeout, lastErr),
	}
}

func (r *run) phaseSpan(ctx context.Context, phase Phase) (context.Context, trace.Span) {
	return tracing.Start(ctx, "probe."+string(phase),
		trace.WithAttributes(attribute.Int("candidate.id", r.c.ID)),
	)
}

// record logs and counts an attempt; transport failures stay at debug
// level since they are recovered by discarding the attempt.
func (r *run) record(ctx context.Context, phase Phase, s sample) {
	metrics.AddAttempt(ctx, string(phase), s.err == nil)
	if s.err != nil {
		logger.FromContext(ctx).DebugContext(ctx, "probe attempt failed",
			"candidate", r.c.ID, "phase", phase, "err", s.err)
	}
}

func kbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	return float64(bytes) / 1024 / elapsed.Seconds()
}

func elapsedMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
