package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/middleware"
)

// State is the position of one action in the access-control flow. Flows are
// per request and never persisted.
type State int

const (
	Unauthenticated State = iota
	IdentityResolved
	Authorized
	Denied
	Completed
	Failed
)

var stateNames = [...]string{"unauthenticated", "identity_resolved", "authorized", "denied", "completed", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	Unauthenticated:  {IdentityResolved, Failed},
	IdentityResolved: {Authorized, Denied, Failed},
	Authorized:       {Completed, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// flow tracks one action. An illegal transition is a programming error and
// panics; the recovery middleware turns it into a 500.
type flow struct {
	action    string
	state     State
	actor     directory.Actor
	requestID string
	started   time.Time
	log       zerolog.Logger
	path      []State
}

func newFlow(ctx context.Context, log zerolog.Logger, action string) *flow {
	return &flow{
		action:    action,
		state:     Unauthenticated,
		requestID: middleware.RequestIDFromContext(ctx),
		started:   time.Now(),
		log:       log,
		path:      []State{Unauthenticated},
	}
}

func (f *flow) advance(to State) {
	if !canTransition(f.state, to) {
		panic(fmt.Sprintf("workflow: %s: illegal transition %s -> %s", f.action, f.state, to))
	}
	f.state = to
	f.path = append(f.path, to)
}

func (f *flow) resolved(actor directory.Actor) {
	f.actor = actor
	f.advance(IdentityResolved)
}

// finish moves the flow to its terminal state according to err and logs the
// decision. Authorization failures end in Denied, never Failed. Store
// failures before a decision end in Failed straight from IdentityResolved.
// It returns err unchanged.
func (f *flow) finish(err error) error {
	switch {
	case f.state == Unauthenticated:
		f.advance(Failed)
	case err == nil, errors.Is(err, apperr.ErrAlreadyGranted):
		f.advance(Authorized)
		f.advance(Completed)
	case isDenial(err):
		f.advance(Denied)
	case apperr.Retryable(err):
		f.advance(Failed)
	default:
		f.advance(Authorized)
		f.advance(Failed)
	}
	f.logTerminal(err)
	return err
}

func isDenial(err error) bool {
	return errors.Is(err, apperr.ErrUnauthorized) ||
		errors.Is(err, apperr.ErrAccessDenied) ||
		errors.Is(err, apperr.ErrConfiguration)
}

func (f *flow) logTerminal(err error) {
	var ev *zerolog.Event
	switch {
	case f.state == Completed:
		ev = f.log.Info()
	case apperr.HTTPStatus(err) >= 500:
		ev = f.log.Error().Err(err)
	default:
		ev = f.log.Warn().Err(err)
	}
	ev = ev.Str("action", f.action).
		Str("state", f.state.String()).
		Dur("duration", time.Since(f.started))
	if f.requestID != "" {
		ev = ev.Str("request_id", f.requestID)
	}
	if f.actor.AccountRef != "" {
		ev = ev.Str("account_ref", f.actor.AccountRef)
	}
	if f.actor.ID != "" {
		ev = ev.Str("actor", string(f.actor.Role)+":"+f.actor.ID)
	}
	if err != nil {
		ev = ev.Str("error_kind", apperr.Kind(err))
	}
	ev.Msg("workflow decision")
}
