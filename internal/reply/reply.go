// Package reply implements the one-shot future returned by every
// dispatched remote operation.
package reply

import (
	"context"
	"errors"
	"maps"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/logging"
)

// ErrAborted is returned by Await when its context ends first.
var ErrAborted = errors.New("reply: wait aborted")

// Reply is a not-yet-started future. The work behind it begins when the
// first continuation is attached (or Start is called), so a continuation
// can never miss the completion. Replies must only be used on the reactor
// goroutine.
type Reply struct {
	id       string
	taskID   string
	params   map[string]string
	start    func(*Reply)
	started  bool
	outcome  *Outcome
	handlers []func(Outcome)
}

// New returns a reply for taskID whose work is performed by start.
// params is copied.
func New(taskID string, params map[string]string, start func(*Reply)) *Reply {
	return &Reply{
		id:     uuid.NewString(),
		taskID: taskID,
		params: maps.Clone(params),
		start:  start,
	}
}

// Failed returns a reply that is already complete with state.
func Failed(taskID string, params map[string]string, state State) *Reply {
	return Resolved(taskID, params, Failure(state))
}

// Resolved returns a reply that is already complete with o.
func Resolved(taskID string, params map[string]string, o Outcome) *Reply {
	r := New(taskID, params, nil)
	r.started = true
	r.outcome = &o
	return r
}

// ID returns the request id used to match transport responses.
func (r *Reply) ID() string { return r.id }

// TaskID returns the task guide id.
func (r *Reply) TaskID() string { return r.taskID }

// Param returns a caller parameter.
func (r *Reply) Param(key string) string { return r.params[key] }

// Params returns a copy of the caller parameters.
func (r *Reply) Params() map[string]string { return maps.Clone(r.params) }

// Done reports whether the reply has completed.
func (r *Reply) Done() bool { return r.outcome != nil }

// Outcome returns the outcome and whether the reply has completed.
func (r *Reply) Outcome() (Outcome, bool) {
	if r.outcome == nil {
		return Outcome{State: Pending}, false
	}
	return *r.outcome, true
}

// OnComplete attaches fn and starts the work if it has not started yet.
// If the reply is already complete fn runs immediately.
func (r *Reply) OnComplete(fn func(Outcome)) *Reply {
	if r.outcome != nil {
		fn(*r.outcome)
		return r
	}
	r.handlers = append(r.handlers, fn)
	r.Start()
	return r
}

// Start begins the work without attaching a continuation.
func (r *Reply) Start() {
	if r.started {
		return
	}
	r.started = true
	if r.start != nil {
		r.start(r)
	}
}

// Complete fires the outcome. Only the first call has any effect; it
// returns false for later calls.
func (r *Reply) Complete(o Outcome) bool {
	if r.outcome != nil {
		logging.Named("reply").Warn("duplicate completion ignored",
			zap.String("task", r.taskID),
			zap.String("request_id", r.id),
			zap.String("state", o.State.String()))
		return false
	}
	r.outcome = &o
	handlers := r.handlers
	r.handlers = nil
	r.start = nil
	for _, h := range handlers {
		h(o)
	}
	return true
}

// Poster queues work onto the reactor goroutine.
type Poster interface {
	Post(fn func())
}

// Await runs issue on the reactor and blocks until the returned reply
// completes or ctx ends. It must not be called from the reactor itself.
func Await(ctx context.Context, p Poster, issue func() *Reply) (Outcome, error) {
	ch := make(chan Outcome, 1)
	p.Post(func() {
		r := issue()
		if r == nil {
			ch <- Failure(InternalError)
			return
		}
		r.OnComplete(func(o Outcome) { ch <- o })
	})
	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{State: Pending}, ErrAborted
	}
}
