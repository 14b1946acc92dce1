// Package scheduler runs probe suites against candidates with a bound
// on concurrent runs and at most one run per candidate.
//
// A Scheduler owns the set of active runs and the per-candidate state
// machine:
//
//	Idle -> Testing -> Completed | Failed
//
// Membership in the active set is checked and inserted in one critical
// section before the run's goroutine starts, so two Start calls for
// the same candidate can never both succeed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/ulid"

	"github.com/mrnimwx/speedprobe/client/candidates"
	"github.com/mrnimwx/speedprobe/client/events"
	"github.com/mrnimwx/speedprobe/client/probe"
	"github.com/mrnimwx/speedprobe/client/resultcache"
	"github.com/mrnimwx/speedprobe/scorer"
	"github.com/mrnimwx/speedprobe/scorer/score"
	"github.com/mrnimwx/speedprobe/scorer/types"
)

const (
	// MaxConcurrentTests caps active runs for profiles with EnforceCap.
	MaxConcurrentTests = 3

	DefaultStagger    = 2 * time.Second
	DefaultRunTimeout = 15 * time.Second
)

var (
	ErrAlreadyTesting   = errors.New("candidate is already being tested")
	ErrConcurrencyLimit = errors.New("too many tests running")
	ErrClosed           = errors.New("scheduler is closed")
)

type State int

const (
	Idle State = iota
	Testing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Testing:
		return "testing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Prober runs one probe profile against a candidate; *probe.Suite
// implements it.
type Prober interface {
	Run(ctx context.Context, c candidates.Candidate, p probe.Profile, progress probe.ProgressFunc) (probe.Result, error)
}

type Options struct {
	Prober Prober

	// Cache receives successful results; optional.
	Cache *resultcache.Cache

	// Bus receives run events; a private bus is created when nil.
	Bus *events.Bus

	// Metrics is optional.
	Metrics *Metrics

	// Scorer picks the scoring policy for a profile; defaults to
	// scorer.ForProfile.
	Scorer func(probe.Profile) types.Scorer

	MaxConcurrent int
	Stagger       time.Duration
	RunTimeout    time.Duration
}

// Outcome is how a run ended, or why it never started.
type Outcome struct {
	CandidateID int            `json:"candidate_id"`
	RunID       string         `json:"run_id,omitempty"`
	State       State          `json:"state"`
	Result      *probe.Result  `json:"result,omitempty"`
	Verdict     *score.Verdict `json:"verdict,omitempty"`
	Err         error          `json:"-"`
	Started     time.Time      `json:"started,omitzero"`
	Finished    time.Time      `json:"finished,omitzero"`
}

type Run struct {
	ID        string
	Candidate candidates.Candidate
	Profile   string
	Started   time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

// Done is closed when the run has finished and left the active set.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type Scheduler struct {
	opts Options
	bus  *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[int]*Run
	states map[int]State
	last   map[int]Outcome
	closed bool

	wg sync.WaitGroup
}

func New(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = MaxConcurrentTests
	}
	if opts.Stagger < 0 {
		opts.Stagger = 0
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Scorer == nil {
		opts.Scorer = scorer.ForProfile
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		opts:   opts,
		bus:    opts.Bus,
		ctx:    ctx,
		cancel: cancel,
		active: map[int]*Run{},
		states: map[int]State{},
		last:   map[int]Outcome{},
	}
}

func (s *Scheduler) Bus() *events.Bus {
	return s.bus
}

// Start launches a run of p against c. It returns ErrAlreadyTesting if
// c has an active run and ErrConcurrencyLimit if p enforces the cap
// and it is reached; in both cases nothing is started.
func (s *Scheduler) Start(ctx context.Context, c candidates.Candidate, p probe.Profile) (*Run, error) {
	log := logger.FromContext(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.active[c.ID]; ok {
		s.mu.Unlock()
		s.reject(ctx, c, p, ErrAlreadyTesting)
		return nil, ErrAlreadyTesting
	}
	if p.EnforceCap && len(s.active) >= s.opts.MaxConcurrent {
		s.mu.Unlock()
		s.reject(ctx, c, p, ErrConcurrencyLimit)
		return nil, ErrConcurrencyLimit
	}

	id, err := ulid.MakeULID(time.Now())
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("run id: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	stop := context.AfterFunc(s.ctx, cancel)

	r := &Run{
		ID:        id.String(),
		Candidate: c,
		Profile:   p.Name,
		Started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.active[c.ID] = r
	s.states[c.ID] = Testing
	s.wg.Add(1)
	s.mu.Unlock()

	if m := s.opts.Metrics; m != nil {
		m.RunsStarted.WithLabelValues(p.Name).Inc()
		m.ActiveRuns.Inc()
	}

	log.DebugContext(ctx, "starting probe run", "candidate", c.ID, "run_id", r.ID, "profile", p.Name)
	if p.Policy == probe.PolicySentinel && p.Budget() >= s.opts.RunTimeout {
		// the ceiling will cut the last attempts short
		log.WarnContext(ctx, "profile timeouts exceed the run timeout",
			"profile", p.Name, "budget", p.Budget(), "run_timeout", s.opts.RunTimeout)
	}
	s.bus.Publish(events.Event{
		Type:        events.Started,
		CandidateID: c.ID,
		RunID:       r.ID,
		State:       Testing.String(),
	})

	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		s.execute(runCtx, r, p)
	}()

	return r, nil
}

func (s *Scheduler) reject(ctx context.Context, c candidates.Candidate, p probe.Profile, err error) {
	logger.FromContext(ctx).WarnContext(ctx, "probe run rejected", "candidate", c.ID, "profile", p.Name, "reason", err)

	if m := s.opts.Metrics; m != nil {
		reason := "already_testing"
		if errors.Is(err, ErrConcurrencyLimit) {
			reason = "concurrency_limit"
		}
		m.RunsRejected.WithLabelValues(p.Name, reason).Inc()
	}

	s.bus.Publish(events.Event{
		Type:        events.Warning,
		CandidateID: c.ID,
		State:       s.State(c.ID).String(),
		Err:         err.Error(),
	})
}

func (s *Scheduler) execute(ctx context.Context, r *Run, p probe.Profile) {
	log := logger.FromContext(ctx).With("candidate", r.Candidate.ID, "run_id", r.ID)

	progress := func(phase probe.Phase, fraction float64) {
		s.bus.Publish(events.Event{
			Type:        events.Progress,
			CandidateID: r.Candidate.ID,
			RunID:       r.ID,
			State:       Testing.String(),
			Phase:       string(phase),
			Progress:    fraction,
		})
	}

	res, err := s.opts.Prober.Run(ctx, r.Candidate, p, progress)

	out := Outcome{
		CandidateID: r.Candidate.ID,
		RunID:       r.ID,
		Started:     r.Started,
		Finished:    time.Now(),
	}

	if err == nil {
		v := s.opts.Scorer(p).Score(res)
		out.State = Completed
		out.Result = &res
		out.Verdict = &v
		if s.opts.Cache != nil {
			if err := s.opts.Cache.Put(r.Candidate, res); err != nil {
				log.WarnContext(ctx, "could not cache result", "err", err)
			}
		}
		log.InfoContext(ctx, "probe run completed",
			"ping_ms", res.PingMs, "download_kbps", res.DownloadKBps, "quality", v.Quality)
	} else {
		out.State = Failed
		out.Err = err
		log.InfoContext(ctx, "probe run failed", "err", err)
	}

	s.mu.Lock()
	delete(s.active, r.Candidate.ID)
	s.states[r.Candidate.ID] = out.State
	s.last[r.Candidate.ID] = out
	s.mu.Unlock()

	if m := s.opts.Metrics; m != nil {
		quality := ""
		if out.Verdict != nil {
			quality = out.Verdict.Quality.String()
		}
		m.ActiveRuns.Dec()
		m.RunsCompleted.WithLabelValues(p.Name, out.State.String(), quality).Inc()
		m.RunDuration.WithLabelValues(p.Name, out.State.String()).Observe(out.Finished.Sub(out.Started).Seconds())
	}

	ev := events.Event{
		CandidateID: r.Candidate.ID,
		RunID:       r.ID,
		State:       out.State.String(),
		Result:      out.Result,
		Verdict:     out.Verdict,
	}
	if out.State == Completed {
		ev.Type = events.Completed
	} else {
		ev.Type = events.Failed
		ev.Err = err.Error()
	}
	s.bus.Publish(ev)

	r.outcome = out
	close(r.done)
}

// TestAll starts one run per candidate, Stagger apart, and waits for
// the started runs. Candidates that could not be started get an
// Outcome carrying the rejection error. The cap is left to Start.
func (s *Scheduler) TestAll(ctx context.Context, list []candidates.Candidate, p probe.Profile) []Outcome {
	if len(list) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(list))
	runs := make([]*Run, len(list))

	for i, c := range list {
		if i > 0 && s.opts.Stagger > 0 {
			select {
			case <-time.After(s.opts.Stagger):
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{CandidateID: c.ID, State: s.State(c.ID), Err: err}
			continue
		}

		r, err := s.Start(ctx, c, p)
		if err != nil {
			outcomes[i] = Outcome{CandidateID: c.ID, State: s.State(c.ID), Err: err}
			continue
		}
		runs[i] = r
	}

	for i, r := range runs {
		if r == nil {
			continue
		}
		<-r.Done()
		outcomes[i] = r.outcome
	}

	return outcomes
}

// Cancel aborts the active run for id; the run ends Failed with
// context.Canceled. It reports whether a run was active.
func (s *Scheduler) Cancel(id int) bool {
	s.mu.Lock()
	r, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// Close cancels all active runs, waits for them and rejects further
// starts.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Wait blocks until no run is active.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) State(id int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// Last returns the outcome of the most recent finished run for id.
func (s *Scheduler) Last(id int) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.last[id]
	return o, ok
}

// Active returns the candidate ids with a run in progress, sorted.
func (s *Scheduler) Active() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
