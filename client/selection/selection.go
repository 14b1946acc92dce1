// Package selection pushes the user's chosen candidate to the panel
// backend and keeps the local view in step with the backend's answer.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrnimwx/speedprobe/client/config"
	"github.com/mrnimwx/speedprobe/client/events"
	"github.com/mrnimwx/speedprobe/client/metrics"
)

var (
	// ErrEntitlementRequired means the user has no subscription that
	// allows choosing a server.
	ErrEntitlementRequired = errors.New("selection subscription required")

	// ErrPersistence means the backend accepted the request but could
	// not store it.
	ErrPersistence = errors.New("backend could not save the selection")

	// ErrTransport covers failures reaching the backend at all.
	ErrTransport = errors.New("backend unavailable")
)

// Selection is the backend record of the chosen candidate; a nil
// CandidateID means nothing is selected.
type Selection struct {
	CandidateID *int      `json:"speed_server_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s Selection) String() string {
	if s.CandidateID == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *s.CandidateID)
}

// Backend persists selections. Implementations return errors wrapping
// ErrEntitlementRequired or ErrPersistence where those apply.
type Backend interface {
	SelectSpeedServer(ctx context.Context, id *int) (Selection, error)
	CreateSmartSub(ctx context.Context) error
}

type Controller struct {
	backend Backend
	state   *config.State
	bus     *events.Bus

	// Reconfirm sends every Select to the backend, even when the local
	// view already has the requested candidate.
	Reconfirm bool

	mu sync.Mutex
}

// New returns a controller; bus may be nil.
func New(backend Backend, state *config.State, bus *events.Bus) *Controller {
	if err := metrics.InitInstruments(); err != nil {
		logger.Setup().Warn("selection metrics unavailable", "err", err)
	}
	return &Controller{backend: backend, state: state, bus: bus}
}

// Current is the last selection the backend confirmed.
func (c *Controller) Current() Selection {
	st := c.state.Selection()
	return Selection{CandidateID: st.CandidateID, UpdatedAt: st.UpdatedAt}
}

// Select sets the selection to id, or clears it for nil. The caller
// has already established that the user is entitled to select. The
// local view only changes after the backend confirmed.
func (c *Controller) Select(ctx context.Context, id *int) (Selection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.FromContext(ctx)

	if !c.Reconfirm && c.state.HaveSelection() && c.state.Selection().Equal(id) {
		log.DebugContext(ctx, "selection unchanged", "candidate", Selection{CandidateID: id})
		metrics.AddSelectionWrite(ctx, "unchanged")
		return c.Current(), nil
	}

	ctx, span := tracing.Start(ctx, "selection.select",
		trace.WithAttributes(attribute.String("candidate", Selection{CandidateID: id}.String())),
	)
	defer span.End()

	c.publish(events.Event{Type: events.SelectionChanging, CandidateID: deref(id)})

	sel, err := c.backend.SelectSpeedServer(ctx, id)
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WarnContext(ctx, "selection failed", "candidate", Selection{CandidateID: id}, "err", err)
		metrics.AddSelectionWrite(ctx, outcome(err))
		c.publish(events.Event{Type: events.SelectionFailed, CandidateID: deref(id), Err: err.Error()})
		return c.Current(), err
	}

	err = c.state.SetSelection(ctx, config.SelectionState{
		CandidateID: sel.CandidateID,
		UpdatedAt:   sel.UpdatedAt,
	})
	if err != nil {
		// the backend is authoritative; the next Select goes to the
		// backend again since the local view is stale
		log.WarnContext(ctx, "could not save local selection", "err", err)
	}

	log.InfoContext(ctx, "selection changed", "candidate", sel)
	metrics.AddSelectionWrite(ctx, "ok")
	c.publish(events.Event{Type: events.SelectionChanged, CandidateID: deref(sel.CandidateID)})

	return sel, nil
}

// Provision creates the subscription record Select depends on.
func (c *Controller) Provision(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "selection.provision")
	defer span.End()

	if err := c.backend.CreateSmartSub(ctx); err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.FromContext(ctx).InfoContext(ctx, "selection subscription provisioned")
	return nil
}

func (c *Controller) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// classify keeps the distinct backend errors and context errors as they
// are and marks everything else as a transport failure.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrEntitlementRequired),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ErrTransport),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrEntitlementRequired):
		return "entitlement_required"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	}
	return "transport_error"
}

func deref(id *int) int {
	if id == nil {
		return 0
	}
	return *id
}
