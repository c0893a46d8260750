package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/run"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/config"
	"github.com/fruitsalade/agavesync/internal/dispatch"
	"github.com/fruitsalade/agavesync/internal/events"
	"github.com/fruitsalade/agavesync/internal/fileop"
	"github.com/fruitsalade/agavesync/internal/filetree"
	"github.com/fruitsalade/agavesync/internal/jobs"
	"github.com/fruitsalade/agavesync/internal/logging"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/internal/reactor"
	"github.com/fruitsalade/agavesync/internal/reply"
	"github.com/fruitsalade/agavesync/internal/transport"
	"github.com/fruitsalade/agavesync/pkg/retry"
)

type opResult struct {
	state reply.State
	msg   string
}

// session is one connected run of the client. The dispatcher and the
// operators live on loop; commands reach them through the helpers below.
type session struct {
	cfg  *config.Config
	root *rootOptions
	log  *zap.Logger
	user string
	home string

	loop  *reactor.Loop
	bus   *events.Broadcaster
	disp  *dispatch.Dispatcher
	files *fileop.Operator
	jobs  *jobs.Operator

	fileDone      chan opResult
	jobDone       chan opResult
	jobsRefreshed chan reply.State
}

func newSession(ctx context.Context, cfg *config.Config, root *rootOptions) (*session, error) {
	s := &session{
		cfg:           cfg,
		root:          root,
		log:           logging.Named("cli"),
		loop:          reactor.New(),
		bus:           events.NewBroadcaster(),
		fileDone:      make(chan opResult, 1),
		jobDone:       make(chan opResult, 1),
		jobsRefreshed: make(chan reply.State, 1),
	}

	rcfg := retry.DefaultConfig()
	rcfg.MaxAttempts = cfg.RetryMaxAttempts
	rcfg.InitialWait = cfg.RetryInitialWait
	tr := transport.New(transport.Config{
		Timeout:           cfg.HTTPTimeout,
		Retry:             rcfg,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
	})

	fs := afero.NewOsFs()
	s.disp = dispatch.New(dispatch.Config{
		Loop:      s.loop,
		Transport: tr,
		Fs:        fs,
		Events:    s.bus,
		Context:   ctx,
	})
	if err := s.disp.SetConnectionParams(cfg.Tenant, cfg.ClientName, cfg.Storage); err != nil {
		return nil, fmt.Errorf("configure dispatcher: %w", err)
	}

	s.files = fileop.New(fileop.Config{
		Remote: s.disp,
		Fs:     fs,
		Events: s.bus,
	})
	s.files.OnOpDone(func(st reply.State, msg string) {
		select {
		case s.fileDone <- opResult{st, msg}:
		default:
		}
	})

	s.jobs = jobs.New(jobs.Config{
		Remote:       s.disp,
		Loop:         s.loop,
		Clock:        clockwork.NewRealClock(),
		PollInterval: cfg.JobPollInterval,
		Events:       s.bus,
	})
	s.jobs.OnJobOpDone(func(st reply.State, msg string) {
		select {
		case s.jobDone <- opResult{st, msg}:
		default:
		}
	})
	s.jobs.OnRefreshed(func(st reply.State) {
		select {
		case s.jobsRefreshed <- st:
		default:
		}
	})
	if root.trackJobs {
		s.disp.OnStateChange(s.jobs.HandleStateChange)
	}
	return s, nil
}

// execute runs fn inside a connected session. The command, the reactor,
// the signal handler, the optional metrics server and the event printer
// run in one group; whichever ends first stops the rest. The reactor keeps
// running until the command has logged out.
func execute(ctx context.Context, root *rootOptions, fn func(ctx context.Context, s *session) error) error {
	cfg, err := root.config()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := newSession(ctx, cfg, root)
	if err != nil {
		return err
	}

	var g run.Group
	cmdFinished := make(chan struct{})

	// Command.
	{
		cmdCtx, cmdCancel := context.WithCancel(ctx)
		g.Add(func() error {
			defer close(cmdFinished)
			return s.runCommand(cmdCtx, fn)
		}, func(error) {
			cmdCancel()
		})
	}

	// Reactor.
	{
		loopCtx, loopCancel := context.WithCancel(ctx)
		g.Add(func() error {
			err := s.loop.Run(loopCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			<-cmdFinished
			loopCancel()
		})
	}

	// OS signals.
	{
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		stop := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-sigs:
				s.log.Info("termination signal received", zap.String("signal", sig.String()))
				return errInterrupted
			case <-stop:
				return nil
			}
		}, func(error) {
			signal.Stop(sigs)
			close(stop)
		})
	}

	// Metrics.
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			s.log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
			defer c()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// Event stream.
	if root.jsonEvents {
		ch := s.bus.Subscribe()
		g.Add(func() error {
			for e := range ch {
				s.printEvent(e)
			}
			return nil
		}, func(error) {
			s.bus.Unsubscribe(ch)
		})
	}

	return g.Run()
}

var errInterrupted = errors.New("interrupted")

func (s *session) printEvent(e events.Event) {
	data, err := events.MarshalEvent(e)
	if err != nil {
		return
	}
	fmt.Fprintln(s.root.stderr, string(data))
}

// runCommand logs in, runs fn and closes the connection whatever fn
// returned.
func (s *session) runCommand(ctx context.Context, fn func(ctx context.Context, s *session) error) error {
	defer s.loop.Post(s.jobs.Close)

	if err := s.login(ctx); err != nil {
		return err
	}
	cmdErr := fn(ctx, s)
	if errors.Is(cmdErr, context.Canceled) {
		s.abort()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := reply.Await(closeCtx, s.loop, s.disp.CloseAllConnections)
	if err != nil || !out.OK() {
		s.log.Debug("logout incomplete", zap.String("state", out.State.String()))
	}
	return cmdErr
}

func (s *session) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.loop.Invoke(ctx, func() { s.files.Abort() })
}

func (s *session) login(ctx context.Context) error {
	user, pass, err := s.root.credentials(s.cfg)
	if err != nil {
		return err
	}
	out, err := reply.Await(ctx, s.loop, func() *reply.Reply {
		return s.disp.PerformAuth(user, pass)
	})
	if err != nil {
		return err
	}
	if !out.OK() {
		return fmt.Errorf("login failed: %s", out.Text())
	}

	s.user = user
	s.home = filetree.Clean(s.cfg.HomeFolder(user))
	return s.loop.Invoke(ctx, func() {
		s.files.Reset(s.home)
	})
}

// await issues a dispatcher call on the loop and waits for its outcome.
func (s *session) await(ctx context.Context, issue func() *reply.Reply) (reply.Outcome, error) {
	out, err := reply.Await(ctx, s.loop, issue)
	if err != nil {
		return out, err
	}
	if !out.OK() {
		return out, fmt.Errorf("%s", out.Text())
	}
	return out, nil
}

// fileOp starts a file operation on the loop and waits for its completion.
func (s *session) fileOp(ctx context.Context, start func(*fileop.Operator) bool) (string, error) {
	return s.operate(ctx, s.fileDone, func() bool { return start(s.files) })
}

// jobOp starts a job operation on the loop and waits for its completion.
func (s *session) jobOp(ctx context.Context, start func(*jobs.Operator) bool) (string, error) {
	return s.operate(ctx, s.jobDone, func() bool { return start(s.jobs) })
}

func (s *session) operate(ctx context.Context, done chan opResult, start func() bool) (string, error) {
	var accepted bool
	err := s.loop.Invoke(ctx, func() {
		drain(done)
		accepted = start()
	})
	if err != nil {
		return "", err
	}
	if !accepted {
		return "", errors.New("operation rejected: another operation is running or the target is invalid")
	}
	select {
	case res := <-done:
		if res.state != reply.Good {
			return res.msg, errors.New(res.msg)
		}
		return res.msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// refreshJobs lists the jobs and waits for the result.
func (s *session) refreshJobs(ctx context.Context) error {
	err := s.loop.Invoke(ctx, func() {
		drain(s.jobsRefreshed)
		s.jobs.Refresh()
	})
	if err != nil {
		return err
	}
	select {
	case st := <-s.jobsRefreshed:
		if st != reply.Good {
			return fmt.Errorf("unable to list jobs: %s", st.Message())
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve lists remote folders along p until p is known or ruled out.
func (s *session) resolve(ctx context.Context, p string) (filetree.Ref, error) {
	p = s.remotePath(p)
	for {
		var (
			ref  filetree.Ref
			wait chan filetree.Change
		)
		err := s.loop.Invoke(ctx, func() {
			tree := s.files.Tree()
			if ref = tree.Resolve(p); !ref.IsNil() {
				return
			}
			anc := tree.ClosestKnownAncestor(p)
			if anc.IsNil() || tree.Kind(anc) != filetree.Dir || tree.ListState(anc) == filetree.Loaded {
				return
			}
			wait = s.listed(anc)
			s.files.RefreshFolder(anc, false)
		})
		if err != nil {
			return filetree.Ref{}, err
		}
		if !ref.IsNil() {
			return ref, nil
		}
		if wait == nil {
			return filetree.Ref{}, fmt.Errorf("%s: no such remote file or folder", p)
		}
		select {
		case c := <-wait:
			if c.Failed() {
				return filetree.Ref{}, fmt.Errorf("unable to list %s", c.Ref.Path)
			}
		case <-ctx.Done():
			return filetree.Ref{}, ctx.Err()
		}
	}
}

// loaded resolves p and makes sure it is a listed folder.
func (s *session) loaded(ctx context.Context, p string) (filetree.Ref, error) {
	ref, err := s.resolve(ctx, p)
	if err != nil {
		return ref, err
	}
	var wait chan filetree.Change
	var kind filetree.Kind
	err = s.loop.Invoke(ctx, func() {
		tree := s.files.Tree()
		kind = tree.Kind(ref)
		if kind != filetree.Dir || tree.ListState(ref) == filetree.Loaded {
			return
		}
		wait = s.listed(ref)
		s.files.RefreshFolder(ref, false)
	})
	if err != nil {
		return ref, err
	}
	if kind != filetree.Dir {
		return ref, fmt.Errorf("%s is not a folder", ref.Path)
	}
	if wait == nil {
		return ref, nil
	}
	select {
	case c := <-wait:
		if c.Failed() {
			return ref, fmt.Errorf("unable to list %s", ref.Path)
		}
		return ref, nil
	case <-ctx.Done():
		return ref, ctx.Err()
	}
}

// listed returns a channel receiving the next listing result for ref. Must
// be called on the loop.
func (s *session) listed(ref filetree.Ref) chan filetree.Change {
	ch := make(chan filetree.Change, 1)
	var unsubscribe func()
	unsubscribe = s.files.Tree().Subscribe(func(c filetree.Change) {
		if c.Ref.Path != ref.Path || (c.Type != filetree.Listed && c.Type != filetree.ListFailed) {
			return
		}
		unsubscribe()
		ch <- c
	})
	return ch
}

// remotePath makes p absolute against the home folder.
func (s *session) remotePath(p string) string {
	if p == "" || p == "." {
		return s.home
	}
	if p[0] != '/' {
		return filetree.Join(s.home, p)
	}
	return filetree.Clean(p)
}
