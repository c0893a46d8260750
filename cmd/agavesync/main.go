// agavesync - command line client for Agave remote storage and jobs
//
// Every command logs in with the password grant, performs one operation
// and revokes its token before exiting.
//
//	agavesync ls [path]                 List a remote folder
//	agavesync get [-r] <remote> [local] Download a file or folder
//	agavesync put [-r] <local> [remote] Upload a file or folder
//	agavesync jobs list                 List remote jobs
//
// Configuration comes from AGAVE_* environment variables; flags override
// them.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fruitsalade/agavesync/internal/config"
	"github.com/fruitsalade/agavesync/internal/logging"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	tenant     string
	clientName string
	storage    string
	username   string
	rootFolder string
	logLevel   string
	logFormat  string
	jsonEvents bool

	// trackJobs refreshes the job list as soon as the session connects.
	trackJobs bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// config loads the environment and applies flag overrides.
func (o *rootOptions) config() (*config.Config, error) {
	cfg := config.Read()
	if o.tenant != "" {
		cfg.Tenant = o.tenant
	}
	if o.clientName != "" {
		cfg.ClientName = o.clientName
	}
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.username != "" {
		cfg.Username = o.username
	}
	if o.rootFolder != "" {
		cfg.RootFolder = o.rootFolder
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// credentials returns the configured user and password, prompting for
// whatever is missing.
func (o *rootOptions) credentials(cfg *config.Config) (string, string, error) {
	user, pass := cfg.Username, cfg.Password
	reader := bufio.NewReader(o.stdin)
	if user == "" {
		fmt.Fprint(o.stderr, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", "", fmt.Errorf("read username: %w", err)
		}
		user = strings.TrimSpace(line)
	}
	if pass == "" {
		fmt.Fprint(o.stderr, "Password: ")
		if f, ok := o.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(o.stderr)
			if err != nil {
				return "", "", fmt.Errorf("read password: %w", err)
			}
			pass = string(b)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return "", "", fmt.Errorf("read password: %w", err)
			}
			pass = strings.TrimRight(line, "\r\n")
		}
	}
	if user == "" || pass == "" {
		return "", "", errors.New("username and password are required")
	}
	return user, pass, nil
}

func newRootCommand(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:           "agavesync",
		Short:         "Work with files and jobs on an Agave tenant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg := config.Read()
			lc := logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: cfg.LogOutput}
			if opts.logLevel != "" {
				lc.Level = opts.logLevel
			}
			if opts.logFormat != "" {
				lc.Format = opts.logFormat
			}
			return logging.Init(lc)
		},
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.tenant, "tenant", "", "Agave tenant base URL (env AGAVE_TENANT)")
	flags.StringVar(&opts.clientName, "client", "", "OAuth client name (env AGAVE_CLIENT_NAME)")
	flags.StringVar(&opts.storage, "storage", "", "Storage system id (env AGAVE_STORAGE)")
	flags.StringVarP(&opts.username, "user", "u", "", "User name (env AGAVE_USERNAME)")
	flags.StringVar(&opts.rootFolder, "root", "", "Remote home folder (env AGAVE_ROOT_FOLDER)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: console or json")
	flags.BoolVar(&opts.jsonEvents, "json", false, "Stream operation events as JSON lines on stderr")

	rootCmd.AddCommand(
		newLoginCommand(ctx, opts),
		newWhoamiCommand(ctx, opts),
		newLsCommand(ctx, opts),
		newGetCommand(ctx, opts),
		newPutCommand(ctx, opts),
		newCatCommand(ctx, opts),
		newRmCommand(ctx, opts),
		newMvCommand(ctx, opts),
		newCpCommand(ctx, opts),
		newRenameCommand(ctx, opts),
		newMkdirCommand(ctx, opts),
		newCompressCommand(ctx, opts),
		newExtractCommand(ctx, opts),
		newJobsCommand(ctx, opts),
		newAppsCommand(ctx, opts),
	)
	return rootCmd
}

// Run runs the command line in args.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	rootCmd := newRootCommand(ctx, stdin, stdout, stderr)
	rootCmd.SetArgs(args[1:])
	defer func() { _ = logging.Sync() }()
	return rootCmd.Execute()
}

func main() {
	if err := Run(context.Background(), os.Args, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
