// Package jobs tracks the user's remote jobs. The list is refreshed on
// demand and polled while any job is still running.
//
// All methods must be called on the reactor goroutine. Poll timers post
// their work onto the loop.
package jobs

import (
	"slices"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/dispatch"
	"github.com/fruitsalade/agavesync/internal/events"
	"github.com/fruitsalade/agavesync/internal/logging"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/internal/reply"
)

// DefaultPollInterval is the wait between list refreshes while a job runs.
const DefaultPollInterval = 5 * time.Second

// Remote is the part of the dispatcher the job operator uses.
type Remote interface {
	GetListOfJobs() *reply.Reply
	GetJobDetails(jobID string) *reply.Reply
	StopJob(jobID string) *reply.Reply
	DeleteJob(jobID string) *reply.Reply
	RunRemoteJob(appID string, params map[string]string, workingDir, jobName, archivePath string) *reply.Reply
	RunAgaveJob(raw []byte) *reply.Reply
}

// Poster queues work onto the reactor goroutine.
type Poster interface {
	Post(fn func())
}

// Config holds the operator's collaborators.
type Config struct {
	Remote       Remote
	Loop         Poster
	Clock        clockwork.Clock
	PollInterval time.Duration
	Events       *events.Broadcaster
	Logger       *zap.Logger
}

type entry struct {
	job           agave.Job
	detailPending bool
}

// Operator keeps the job list in step with the job service.
type Operator struct {
	remote   Remote
	loop     Poster
	clock    clockwork.Clock
	interval time.Duration
	events   *events.Broadcaster
	log      *zap.Logger

	jobs       map[string]*entry
	refreshing bool
	poll       clockwork.Timer
	closed     bool

	opPending bool

	refreshListeners []func(reply.State)
	detailListeners  []func(string, reply.State)
	opListeners      []func(reply.State, string)
}

// New creates an operator with an empty job list.
func New(cfg Config) *Operator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("jobs")
	}
	return &Operator{
		remote:   cfg.Remote,
		loop:     cfg.Loop,
		clock:    cfg.Clock,
		interval: cfg.PollInterval,
		events:   cfg.Events,
		log:      cfg.Logger,
		jobs:     make(map[string]*entry),
	}
}

// OnRefreshed registers fn for the result of every list refresh.
func (o *Operator) OnRefreshed(fn func(reply.State)) {
	o.refreshListeners = append(o.refreshListeners, fn)
}

// OnDetails registers fn for the result of every details request.
func (o *Operator) OnDetails(fn func(id string, s reply.State)) {
	o.detailListeners = append(o.detailListeners, fn)
}

// OnJobOpDone registers fn for every finished stop, delete or submit.
func (o *Operator) OnJobOpDone(fn func(reply.State, string)) {
	o.opListeners = append(o.opListeners, fn)
}

// HandleStateChange refreshes the list when the session connects. Pass it
// to Dispatcher.OnStateChange.
func (o *Operator) HandleStateChange(s dispatch.State) {
	if s == dispatch.Connected {
		o.Refresh()
	}
}

// Refreshing reports whether a list request is in flight.
func (o *Operator) Refreshing() bool { return o.refreshing }

// PerformingJobOperation reports whether a stop, delete or submit is in
// flight.
func (o *Operator) PerformingJobOperation() bool { return o.opPending }

// Refresh requests the job list. A request already in flight is not
// repeated.
func (o *Operator) Refresh() {
	if o.refreshing || o.closed {
		return
	}
	o.refreshing = true
	o.log.Debug("refreshing job list")
	o.remote.GetListOfJobs().OnComplete(o.onList)
}

func (o *Operator) onList(out reply.Outcome) {
	o.refreshing = false
	if o.closed {
		return
	}
	if !out.OK() {
		o.log.Debug("unable to list jobs", zap.String("state", out.State.String()))
		metrics.RecordJobRefresh(false)
		o.schedule()
		o.notifyRefreshed(out.State)
		return
	}
	metrics.RecordJobRefresh(true)

	list, _ := out.Value.([]agave.Job)
	listed := make(map[string]bool, len(list))
	running := false
	for _, j := range list {
		listed[j.ID] = true
		if !j.Terminal() {
			running = true
		}
		if e, ok := o.jobs[j.ID]; ok {
			e.job.Status = j.Status
			continue
		}
		o.jobs[j.ID] = &entry{job: j}
	}
	for id := range o.jobs {
		if !listed[id] {
			delete(o.jobs, id)
		}
	}
	metrics.SetJobsTracked(len(o.jobs))
	o.events.Publish(events.Event{Type: events.EventJobsChanged})

	if running {
		o.schedule()
	}
	o.notifyRefreshed(reply.Good)
}

func (o *Operator) notifyRefreshed(s reply.State) {
	listeners := slices.Clone(o.refreshListeners)
	for _, fn := range listeners {
		fn(s)
	}
}

// schedule arms one poll timer. The timer only posts onto the loop.
func (o *Operator) schedule() {
	if o.poll != nil || o.closed {
		return
	}
	o.poll = o.clock.AfterFunc(o.interval, func() {
		o.loop.Post(o.onPoll)
	})
}

func (o *Operator) onPoll() {
	o.poll = nil
	o.Refresh()
}

// Close stops polling. Replies still in flight are ignored.
func (o *Operator) Close() {
	o.closed = true
	if o.poll != nil {
		o.poll.Stop()
		o.poll = nil
	}
}

// Jobs returns the known jobs, newest first.
func (o *Operator) Jobs() []agave.Job {
	out := make([]agave.Job, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Find returns the job with id.
func (o *Operator) Find(id string) (agave.Job, bool) {
	e, ok := o.jobs[id]
	if !ok {
		return agave.Job{}, false
	}
	return e.job, true
}

// RequestDetails fetches the inputs and parameters of a known job. It does
// nothing if they are loaded or already being fetched.
func (o *Operator) RequestDetails(id string) bool {
	e, ok := o.jobs[id]
	if !ok || e.job.DetailsLoaded || e.detailPending {
		return false
	}
	e.detailPending = true
	o.remote.GetJobDetails(id).OnComplete(func(out reply.Outcome) {
		state := o.applyDetails(id, out)
		listeners := slices.Clone(o.detailListeners)
		for _, fn := range listeners {
			fn(id, state)
		}
	})
	return true
}

func (o *Operator) applyDetails(id string, out reply.Outcome) reply.State {
	cur, ok := o.jobs[id]
	if !ok {
		return reply.InvalidState
	}
	cur.detailPending = false
	if !out.OK() {
		o.log.Debug("unable to fetch job details", zap.String("job", id), zap.String("state", out.State.String()))
		return out.State
	}
	details, ok := out.Value.(agave.Job)
	if !ok {
		return reply.MissingReplyData
	}
	cur.job.Inputs = details.Inputs
	cur.job.Params = details.Params
	cur.job.Status = details.Status
	cur.job.DetailsLoaded = true
	o.events.Publish(events.Event{Type: events.EventJobsChanged, Path: id})
	return reply.Good
}

// Stop asks the service to stop a known job.
func (o *Operator) Stop(id string) bool {
	if _, ok := o.jobs[id]; !ok {
		return false
	}
	return o.jobOp("stop", id, o.remote.StopJob)
}

// Delete removes a known job from the job history.
func (o *Operator) Delete(id string) bool {
	if _, ok := o.jobs[id]; !ok {
		return false
	}
	return o.jobOp("delete", id, o.remote.DeleteJob)
}

// Submit posts a job request.
func (o *Operator) Submit(req agave.JobRequest) bool {
	body, err := req.Marshal()
	if err != nil {
		o.log.Error("cannot encode job request", zap.Error(err))
		return false
	}
	return o.SubmitRaw(body)
}

// SubmitRaw posts a JSON job description as is.
func (o *Operator) SubmitRaw(raw []byte) bool {
	return o.jobOp("submit", "", func(string) *reply.Reply { return o.remote.RunAgaveJob(raw) })
}

// RunApp starts a registered app.
func (o *Operator) RunApp(appID string, params map[string]string, workingDir string) bool {
	return o.jobOp("run", appID, func(string) *reply.Reply {
		return o.remote.RunRemoteJob(appID, params, workingDir, "", "")
	})
}

func (o *Operator) jobOp(op, id string, send func(string) *reply.Reply) bool {
	if o.opPending {
		return false
	}
	o.opPending = true
	o.log.Debug("job operation started", zap.String("op", op), zap.String("job", id))
	o.events.Publish(events.Event{Type: events.EventJobOpStarted, Path: id, Message: op})
	send(id).OnComplete(func(out reply.Outcome) {
		o.opPending = false
		msg := "Job Operation Complete"
		if !out.OK() {
			msg = "Job Operation Failed: " + out.State.Message()
			o.log.Debug(msg, zap.String("op", op), zap.String("job", id))
		} else if out.JobID != "" {
			id = out.JobID
		}
		o.events.Publish(events.Event{Type: events.EventJobOpDone, Path: id, State: out.State.String(), Message: msg})
		listeners := slices.Clone(o.opListeners)
		for _, fn := range listeners {
			fn(out.State, msg)
		}
		o.Refresh()
	})
	return true
}
