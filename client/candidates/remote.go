package candidates

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.ntppool.org/common/logger"
)

// Lister is a backend that can enumerate the candidates, e.g. the panel
// API or the panel database.
type Lister interface {
	ListSpeedServers(ctx context.Context) ([]Candidate, error)
}

// ErrPermanent marks a listing failure that should not be retried.
var ErrPermanent = errors.New("permanent listing failure")

// Remote loads the candidate list from a Lister once per session, retrying
// transient failures with an exponential backoff until ctx is done or
// MaxAttempts is reached.
type Remote struct {
	lister      Lister
	MaxAttempts int

	mu     sync.Mutex
	loaded bool
	list   []Candidate

	newBackOff func() backoff.BackOff
}

func NewRemote(l Lister) *Remote {
	return &Remote{
		lister:      l,
		MaxAttempts: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 3 * time.Second
			b.MaxInterval = 60 * time.Second
			b.RandomizationFactor = 0.3
			return b
		},
	}
}

func (r *Remote) List(ctx context.Context) ([]Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		cl := make([]Candidate, len(r.list))
		copy(cl, r.list)
		return cl, nil
	}

	log := logger.FromContext(ctx)
	boff := r.newBackOff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		list, err := r.lister.ListSpeedServers(ctx)
		if err == nil {
			if err := validateList(list); err != nil {
				return nil, err
			}
			r.list = list
			r.loaded = true
			cl := make([]Candidate, len(list))
			copy(cl, list)
			return cl, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) || (r.MaxAttempts > 0 && attempt >= r.MaxAttempts) {
			return nil, err
		}

		wait := boff.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		log.WarnContext(ctx, "listing candidates failed, retrying", "attempt", attempt, "wait", wait.Round(time.Millisecond), "err", err)

		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(wait):
		}
	}
}
