// Package dispatch turns task ids and parameters into remote requests,
// demultiplexes the replies and owns the session state machine.
//
// A Dispatcher is not safe for concurrent use. Every method must be called
// on the reactor goroutine; transport completions are posted back there.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/events"
	"github.com/fruitsalade/agavesync/internal/logging"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/internal/reply"
	"github.com/fruitsalade/agavesync/internal/taskguide"
	"github.com/fruitsalade/agavesync/internal/transport"
)

// ErrAlreadyConfigured is returned by SetConnectionParams outside
// UNINITIALIZED.
var ErrAlreadyConfigured = errors.New("dispatcher already configured")

const clientDescription = "Client ID for agavesync"

// Transport sends one request and reports the response to done, possibly
// from another goroutine.
type Transport interface {
	Send(ctx context.Context, req *transport.Request, done func(*transport.Response))
}

// Poster queues work onto the reactor goroutine.
type Poster interface {
	Post(fn func())
}

// Config holds the dispatcher's collaborators.
type Config struct {
	Loop      Poster
	Transport Transport
	Fs        afero.Fs
	Events    *events.Broadcaster
	Logger    *zap.Logger
	Context   context.Context
	Now       func() time.Time
}

type decoder func(*agave.Document) (any, error)

// Dispatcher issues remote requests and tracks the session.
type Dispatcher struct {
	loop      Poster
	transport Transport
	fs        afero.Fs
	events    *events.Broadcaster
	log       *zap.Logger
	ctx       context.Context
	now       func() time.Time

	tenant     string
	clientName string
	storage    string
	registry   *taskguide.Registry
	decoders   map[string]decoder
	handlers   map[string]func(reply.Outcome)

	session    Session
	authReply  *reply.Reply
	closeReply *reply.Reply
	revokeDone bool

	pending        int
	idleListeners  []func()
	stateListeners []func(State)
}

// New creates a dispatcher in UNINITIALIZED.
func New(cfg Config) *Dispatcher {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("dispatch")
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Dispatcher{
		loop:      cfg.Loop,
		transport: cfg.Transport,
		fs:        cfg.Fs,
		events:    cfg.Events,
		log:       cfg.Logger,
		ctx:       cfg.Context,
		now:       cfg.Now,
		registry:  taskguide.NewRegistry(),
	}
	d.decoders = map[string]decoder{
		taskguide.DirListing:     func(doc *agave.Document) (any, error) { return agave.DecodeFileList(doc) },
		taskguide.FileUpload:     decodeFile,
		taskguide.FilePipeUpload: decodeFile,
		taskguide.NewFolder:      decodeFile,
		taskguide.RenameFile:     decodeFile,
		taskguide.FileCopy:       decodeFile,
		taskguide.FileMove:       decodeFile,
		taskguide.GetJobList:     func(doc *agave.Document) (any, error) { return agave.DecodeJobList(doc) },
		taskguide.GetJobDetails:  func(doc *agave.Document) (any, error) { return agave.DecodeJobDetails(doc) },
		taskguide.GetAgaveList:   func(doc *agave.Document) (any, error) { return agave.DecodeAppList(doc) },
		taskguide.AgaveAppStart:  func(doc *agave.Document) (any, error) { return agave.DecodeJobSubmission(doc) },
		taskguide.AuthStep2:      func(doc *agave.Document) (any, error) { return agave.DecodeClientCredentials(doc) },
		taskguide.AuthStep3:      func(doc *agave.Document) (any, error) { return agave.DecodeToken(doc) },
	}
	d.handlers = map[string]func(reply.Outcome){
		taskguide.AuthStep1:  d.onClientProbe,
		taskguide.AuthStep1a: d.onClientDeleted,
		taskguide.AuthStep2:  d.onClientCreated,
		taskguide.AuthStep3:  d.onToken,
		taskguide.AuthRevoke: d.onRevoke,
	}
	return d
}

func decodeFile(doc *agave.Document) (any, error) {
	return agave.DecodeFileResult(doc)
}

// SetConnectionParams registers the built-in guides for a tenant and moves
// to READY.
func (d *Dispatcher) SetConnectionParams(tenant, clientName, storage string) error {
	if d.session.State != Uninitialized {
		return ErrAlreadyConfigured
	}
	if tenant == "" || clientName == "" || storage == "" {
		return fmt.Errorf("tenant, client name and storage are required")
	}

	d.tenant = strings.TrimRight(tenant, "/")
	d.clientName = clientName
	d.storage = storage
	for _, g := range taskguide.Defaults(clientName, storage) {
		d.registry.Register(g)
	}
	for _, g := range taskguide.DefaultApps() {
		d.registry.Register(g)
	}

	d.setState(Ready)
	return nil
}

// State returns the current session state.
func (d *Dispatcher) State() State { return d.session.State }

// UserName returns the authenticated user, or "" when not connected.
func (d *Dispatcher) UserName() string { return d.session.Username }

// TokenExpiry returns the access token expiry, if known.
func (d *Dispatcher) TokenExpiry() time.Time { return d.session.TokenExpiry }

// Pending returns the number of requests in flight.
func (d *Dispatcher) Pending() int { return d.pending }

// OnStateChange registers fn for every session transition.
func (d *Dispatcher) OnStateChange(fn func(State)) {
	d.stateListeners = append(d.stateListeners, fn)
}

// OnAllTasksFinished registers fn for every time the pending counter drops
// to zero.
func (d *Dispatcher) OnAllTasksFinished(fn func()) {
	d.idleListeners = append(d.idleListeners, fn)
}

// RegisterAgaveAppInfo adds an app guide usable with RunRemoteJob.
func (d *Dispatcher) RegisterAgaveAppInfo(id, fullName string, params, inputs []string, workingDirParam string) bool {
	return d.registry.Register(&taskguide.Guide{
		ID:   id,
		Type: taskguide.App,
		Auth: taskguide.AuthToken,
		App: &taskguide.AppInfo{
			FullName:        fullName,
			WorkingDirParam: workingDirParam,
			Params:          params,
			Inputs:          inputs,
		},
	})
}

func (d *Dispatcher) setState(state State) {
	prev := d.session.State
	d.session = d.session.To(state)
	if prev == state {
		return
	}
	d.log.Info("session state changed",
		zap.String("from", prev.String()),
		zap.String("to", state.String()))
	metrics.SetSessionState(int(state))
	d.events.Publish(events.Event{Type: events.EventSessionState, State: state.String()})

	listeners := slices.Clone(d.stateListeners)
	for _, fn := range listeners {
		fn(state)
	}
}

// Dispatch returns a not-yet-started reply for taskID. It never returns nil.
func (d *Dispatcher) Dispatch(taskID string, params map[string]string) *reply.Reply {
	g, ok := d.registry.Lookup(taskID)
	if !ok {
		d.log.Debug("unknown task requested", zap.String("task", taskID))
		return reply.Failed(taskID, params, reply.UnknownTask)
	}
	if g.Internal {
		d.log.Warn("session task requested directly", zap.String("task", taskID))
		return reply.Failed(taskID, params, reply.InvalidState)
	}
	if d.session.State.ShuttingDown() {
		return reply.Failed(taskID, params, reply.InvalidState)
	}
	if g.Auth == taskguide.AuthToken && d.session.State != Connected {
		return reply.Failed(taskID, params, reply.InvalidState)
	}

	switch g.Type {
	case taskguide.None:
		return reply.New(taskID, params, func(r *reply.Reply) {
			r.Complete(reply.Success(nil))
		})
	case taskguide.App:
		// Apps are started through RunRemoteJob.
		return reply.Failed(taskID, params, reply.InvalidParam)
	}
	return d.send(g, params)
}

// issueInternal sends a session step and routes its outcome through the
// handler table.
func (d *Dispatcher) issueInternal(taskID string, params map[string]string) {
	g, ok := d.registry.Lookup(taskID)
	handler := d.handlers[taskID]
	if !ok || handler == nil {
		d.log.Error("session step not registered", zap.String("task", taskID))
		if handler != nil {
			handler(reply.Failure(reply.InternalError))
		}
		return
	}
	d.send(g, params).OnComplete(handler)
}

// send returns a reply that builds and sends the request when started.
func (d *Dispatcher) send(g *taskguide.Guide, params map[string]string) *reply.Reply {
	return reply.New(g.ID, params, func(r *reply.Reply) {
		req, state := d.buildRequest(g, r)
		if state != reply.Good {
			d.log.Debug("request not sent",
				zap.String("task", g.ID),
				zap.String("state", state.String()))
			r.Complete(reply.Failure(state))
			return
		}

		d.pending++
		metrics.SetPendingRequests(d.pending)
		began := d.now()
		d.log.Debug("request sent",
			zap.String("task", g.ID),
			zap.String("request_id", req.ID),
			zap.String("url", req.URL))

		d.transport.Send(d.ctx, req, func(resp *transport.Response) {
			d.loop.Post(func() { d.finish(g, r, req, resp, began) })
		})
	})
}

func (d *Dispatcher) authHeader(kind taskguide.AuthKind) (string, bool) {
	var h string
	switch kind {
	case taskguide.AuthNone:
		return "", true
	case taskguide.AuthPassword:
		h = d.session.PasswordHeader
	case taskguide.AuthClient, taskguide.AuthRefreshToken:
		h = d.session.ClientHeader
	case taskguide.AuthToken:
		h = d.session.BearerHeader
	}
	return h, h != ""
}

func (d *Dispatcher) buildRequest(g *taskguide.Guide, r *reply.Reply) (*transport.Request, reply.State) {
	params := r.Params()

	path, ok := g.FillURL(params)
	if !ok {
		return nil, reply.InternalError
	}
	req := &transport.Request{
		ID:     r.ID(),
		TaskID: g.ID,
		Method: g.Type.Method(),
		URL:    d.tenant + taskguide.CollapseSlashes(path),
		Header: http.Header{},
	}

	auth, ok := d.authHeader(g.Auth)
	if !ok {
		return nil, reply.InternalError
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	if g.NeedsBody() {
		body, ok := g.FillPost(params)
		if !ok {
			return nil, reply.InternalError
		}
		req.Body = []byte(body)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	switch g.Type {
	case taskguide.Upload:
		local := params["localFile"]
		f, err := d.fs.Open(local)
		if err != nil {
			d.log.Warn("cannot open upload source", zap.String("path", local), zap.Error(err))
			return nil, reply.LocalFileError
		}
		if info, err := f.Stat(); err != nil || info.IsDir() {
			f.Close()
			return nil, reply.LocalFileError
		}
		req.Upload = &transport.Upload{FileName: filepath.Base(local), Body: f}

	case taskguide.PipeUpload:
		name := params["fileName"]
		if name == "" {
			name = "fileData"
		}
		req.Upload = &transport.Upload{
			FileName: name,
			Body:     readCloser{strings.NewReader(params["fileData"])},
		}

	case taskguide.Download:
		local := params["localDest"]
		if exists, _ := afero.Exists(d.fs, local); exists || local == "" {
			return nil, reply.LocalFileError
		}
		f, err := d.fs.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			d.log.Warn("cannot create download destination", zap.String("path", local), zap.Error(err))
			return nil, reply.LocalFileError
		}
		req.Sink = f
	}
	return req, reply.Good
}

type readCloser struct {
	*strings.Reader
}

func (readCloser) Close() error { return nil }

func (d *Dispatcher) finish(g *taskguide.Guide, r *reply.Reply, req *transport.Request, resp *transport.Response, began time.Time) {
	d.pending--
	metrics.SetPendingRequests(d.pending)

	o := d.interpret(g, r, req, resp)
	metrics.RecordRequest(g.ID, o.State.String(), d.now().Sub(began))
	d.log.Debug("request finished",
		zap.String("task", g.ID),
		zap.String("request_id", req.ID),
		zap.String("state", o.State.String()))

	r.Complete(o)
	d.checkIdle()
}

func (d *Dispatcher) checkIdle() {
	if d.pending != 0 {
		return
	}
	d.checkClose()
	listeners := slices.Clone(d.idleListeners)
	for _, fn := range listeners {
		fn()
	}
}

func (d *Dispatcher) interpret(g *taskguide.Guide, r *reply.Reply, req *transport.Request, resp *transport.Response) reply.Outcome {
	if resp == nil {
		return reply.Failure(reply.InternalError)
	}
	if resp.RequestID != req.ID {
		return reply.Failure(reply.SignalObjMismatch)
	}
	if resp.Err != nil {
		d.discardDownload(g, r)
		d.log.Debug("transport error", zap.String("task", g.ID), zap.Error(resp.Err))
		return reply.Failure(classifyTransportError(resp.Err))
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		d.discardDownload(g, r)
		return reply.Failure(reply.ServiceUnavailable)
	}

	switch g.Type {
	case taskguide.Download:
		if !success(resp.StatusCode) {
			d.discardDownload(g, r)
			return reply.Failure(classifyStatus(resp.StatusCode))
		}
		return reply.Success(r.Param("localDest"))
	case taskguide.PipeDownload:
		if !success(resp.StatusCode) {
			return reply.Failure(classifyStatus(resp.StatusCode))
		}
		return reply.Outcome{State: reply.Good, Raw: resp.Body}
	}

	doc, err := agave.Parse(resp.Body)
	if err != nil {
		if !success(resp.StatusCode) {
			return reply.Failure(classifyStatus(resp.StatusCode))
		}
		return reply.Failure(reply.JSONParseError)
	}

	state, msg := agave.CheckStatus(doc, g.TokenFormat)
	if state == reply.MissingReplyStatus && !success(resp.StatusCode) {
		return reply.Failure(classifyStatus(resp.StatusCode))
	}
	if state != reply.Good {
		return reply.FailureMsg(state, msg)
	}
	if !success(resp.StatusCode) {
		return reply.Failure(classifyStatus(resp.StatusCode))
	}

	dec, ok := d.decoders[g.ID]
	if !ok {
		return reply.Success(doc)
	}
	v, err := dec(doc)
	if err != nil {
		d.log.Warn("reply data malformed", zap.String("task", g.ID), zap.Error(err))
		return reply.Failure(reply.MissingReplyData)
	}
	o := reply.Success(v)
	if id, ok := v.(string); ok && g.ID == taskguide.AgaveAppStart {
		o.JobID = id
	}
	return o
}

// checkClose completes the shutdown reply once the revocation has been
// handled and nothing is in flight.
func (d *Dispatcher) checkClose() {
	if d.pending != 0 || d.closeReply == nil || !d.revokeDone {
		return
	}
	cr := d.closeReply
	d.closeReply = nil
	d.revokeDone = false
	cr.Complete(reply.Success(nil))
}

// discardDownload removes a download destination that never received data.
func (d *Dispatcher) discardDownload(g *taskguide.Guide, r *reply.Reply) {
	if g.Type != taskguide.Download {
		return
	}
	if err := d.fs.Remove(r.Param("localDest")); err != nil && !os.IsNotExist(err) {
		d.log.Warn("cannot remove failed download", zap.String("path", r.Param("localDest")), zap.Error(err))
	}
}
