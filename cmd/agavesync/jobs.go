package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/jobs"
	"github.com/fruitsalade/agavesync/internal/reply"
)

// jobFile is a job description read from disk. JSON files are posted as
// they are; YAML files are converted to a job request first.
type jobFile struct {
	raw     []byte
	request *agave.JobRequest
}

func readJobFile(p string) (*jobFile, error) {
	local, err := localPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(local), ".json") {
		return &jobFile{raw: data}, nil
	}
	var req agave.JobRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", p, err)
	}
	if req.AppID == "" {
		return nil, fmt.Errorf("job file %s has no appId", p)
	}
	return &jobFile{request: &req}, nil
}

// parseParams turns key=value arguments into a map.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", a)
		}
		params[k] = v
	}
	return params, nil
}

// executeJobs is execute with the job list refreshed on connect.
func executeJobs(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, s *session) error) error {
	opts.trackJobs = true
	return execute(ctx, opts, func(ctx context.Context, s *session) error {
		if err := s.refreshJobs(ctx); err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

func newJobsCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control remote jobs",
	}
	cmd.AddCommand(
		newJobsListCommand(ctx, opts),
		newJobsShowCommand(ctx, opts),
		newJobsStopCommand(ctx, opts),
		newJobsDeleteCommand(ctx, opts),
		newJobsSubmitCommand(ctx, opts),
		newJobsRunCommand(ctx, opts),
	)
	return cmd
}

func newJobsListCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return executeJobs(ctx, opts, func(ctx context.Context, s *session) error {
				var list []agave.Job
				if err := s.loop.Invoke(ctx, func() { list = s.jobs.Jobs() }); err != nil {
					return err
				}
				w := tabwriter.NewWriter(s.root.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tAPP\tCREATED\tNAME")
				for _, j := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Status, j.AppID, j.Created.Format("2006-01-02 15:04"), j.Name)
				}
				return w.Flush()
			})
		},
	}
}

func newJobsShowCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job id>",
		Short: "Show a job with its inputs and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id := args[0]
			return executeJobs(ctx, opts, func(ctx context.Context, s *session) error {
				job, err := s.jobDetails(ctx, id)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(s.root.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "ID:\t%s\n", job.ID)
				fmt.Fprintf(w, "Name:\t%s\n", job.Name)
				fmt.Fprintf(w, "App:\t%s\n", job.AppID)
				fmt.Fprintf(w, "State:\t%s\n", job.Status)
				fmt.Fprintf(w, "Created:\t%s\n", job.Created.Format("2006-01-02 15:04:05"))
				printMap(w, "Input", job.Inputs)
				printMap(w, "Parameter", job.Params)
				return w.Flush()
			})
		},
	}
}

func printMap(w *tabwriter.Writer, label string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s %s:\t%s\n", label, k, m[k])
	}
}

// jobDetails requests the details of a listed job and waits for them.
func (s *session) jobDetails(ctx context.Context, id string) (agave.Job, error) {
	type result struct {
		job   agave.Job
		state reply.State
	}
	ch := make(chan result, 1)
	var (
		known  bool
		cached agave.Job
	)
	err := s.loop.Invoke(ctx, func() {
		if cached, known = s.jobs.Find(id); !known || cached.DetailsLoaded {
			return
		}
		s.jobs.OnDetails(func(got string, st reply.State) {
			if got != id {
				return
			}
			j, _ := s.jobs.Find(id)
			select {
			case ch <- result{j, st}:
			default:
			}
		})
		s.jobs.RequestDetails(id)
	})
	if err != nil {
		return agave.Job{}, err
	}
	if !known {
		return agave.Job{}, fmt.Errorf("no job with id %s", id)
	}
	if cached.DetailsLoaded {
		return cached, nil
	}
	select {
	case r := <-ch:
		if r.state != reply.Good {
			return agave.Job{}, fmt.Errorf("unable to fetch job %s: %s", id, r.state.Message())
		}
		return r.job, nil
	case <-ctx.Done():
		return agave.Job{}, ctx.Err()
	}
}

func newJobsStopCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <job id>",
		Short: "Stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return executeJobs(ctx, opts, func(ctx context.Context, s *session) error {
				return s.printResult(s.jobOp(ctx, func(o *jobs.Operator) bool {
					return o.Stop(args[0])
				}))
			})
		},
	}
}

func newJobsDeleteCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job id>",
		Short: "Remove a job from the job history",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return executeJobs(ctx, opts, func(ctx context.Context, s *session) error {
				return s.printResult(s.jobOp(ctx, func(o *jobs.Operator) bool {
					return o.Delete(args[0])
				}))
			})
		},
	}
}

func newJobsSubmitCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit -f <job file>",
		Short: "Submit a job described by a YAML or JSON file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			jf, err := readJobFile(file)
			if err != nil {
				return err
			}
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				return s.printResult(s.jobOp(ctx, func(o *jobs.Operator) bool {
					if jf.request != nil {
						return o.Submit(*jf.request)
					}
					return o.SubmitRaw(jf.raw)
				}))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Job description file (.yaml or .json)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newJobsRunCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	var workingDir string
	cmd := &cobra.Command{
		Use:   "run <app> [key=value...]",
		Short: "Start a registered app such as compress or extract",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				dir := ""
				if workingDir != "" {
					dir = s.remotePath(workingDir)
				}
				return s.printResult(s.jobOp(ctx, func(o *jobs.Operator) bool {
					return o.RunApp(args[0], params, dir)
				}))
			})
		},
	}
	cmd.Flags().StringVar(&workingDir, "dir", "", "Remote working folder passed to the app")
	return cmd
}

func newAppsCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List the apps available on the tenant",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				out, err := s.await(ctx, s.disp.GetAgaveAppList)
				if err != nil {
					return err
				}
				apps, _ := out.Value.([]agave.App)
				w := tabwriter.NewWriter(s.root.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tVERSION")
				for _, a := range apps {
					fmt.Fprintf(w, "%s\t%s\t%s\n", a.ID, a.Name, a.Version)
				}
				return w.Flush()
			})
		},
	}
}
