package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/agavesync/internal/fileop"
	"github.com/fruitsalade/agavesync/internal/filetree"
)

// localPath expands a leading ~ and makes p absolute.
func localPath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

// printResult writes the completion message of an operation.
func (s *session) printResult(msg string, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(s.root.stdout, msg)
	return nil
}

func newLoginCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check that the credentials are accepted",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				fmt.Fprintf(s.root.stdout, "Logged in as %s\n", s.user)
				return nil
			})
		},
	}
}

func newWhoamiCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the session details",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				var expiry string
				err := s.loop.Invoke(ctx, func() {
					if t := s.disp.TokenExpiry(); !t.IsZero() {
						expiry = t.Format("2006-01-02 15:04:05")
					}
				})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(s.root.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "User:\t%s\n", s.user)
				fmt.Fprintf(w, "Tenant:\t%s\n", s.cfg.Tenant)
				fmt.Fprintf(w, "Storage:\t%s\n", s.cfg.Storage)
				fmt.Fprintf(w, "Home:\t%s\n", s.home)
				if expiry != "" {
					fmt.Fprintf(w, "Token expires:\t%s\n", expiry)
				}
				return w.Flush()
			})
		},
	}
}

func newLsCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a remote folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.loaded(ctx, target)
				if err != nil {
					return err
				}
				var infos []filetree.Info
				err = s.loop.Invoke(ctx, func() {
					tree := s.files.Tree()
					for _, c := range tree.Children(ref) {
						if info, ok := tree.Info(c); ok {
							infos = append(infos, info)
						}
					}
				})
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(s.root.stdout, 0, 4, 2, ' ', 0)
				for _, info := range infos {
					name := info.Name
					if info.Kind == filetree.Dir {
						name += "/"
					}
					modified := ""
					if !info.Modified.IsZero() {
						modified = info.Modified.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.Kind, info.Size, modified, name)
				}
				return w.Flush()
			})
		},
	}
}

func newGetCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Download a remote file, or a folder with -r",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			dest := "."
			if len(args) == 2 {
				dest = args[1]
			}
			local, err := localPath(dest)
			if err != nil {
				return err
			}
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				if recursive {
					return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
						return o.RecursiveDownload(ref, local)
					}))
				}
				target := local
				if info, err := os.Stat(local); err == nil && info.IsDir() {
					target = filepath.Join(local, filetree.Base(ref.Path))
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					if o.Tree().Kind(ref) != filetree.File {
						return false
					}
					return o.Download(ref, target)
				}))
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Download a folder and everything below it")
	return cmd
}

func newPutCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "put <local> [remote folder]",
		Short: "Upload a local file, or a folder with -r",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			local, err := localPath(args[0])
			if err != nil {
				return err
			}
			dest := ""
			if len(args) == 2 {
				dest = args[1]
			}
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.loaded(ctx, dest)
				if err != nil {
					return err
				}
				if recursive {
					return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
						return o.RecursiveUpload(ref, local)
					}))
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Upload(ref, local)
				}))
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Upload a folder and everything below it")
	return cmd
}

func newCatCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <remote>",
		Short: "Print a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := s.fetch(ctx, ref)
				if err != nil {
					return err
				}
				_, err = s.root.stdout.Write(data)
				return err
			})
		},
	}
}

// fetch loads the contents of a remote file through the tree's buffer.
func (s *session) fetch(ctx context.Context, ref filetree.Ref) ([]byte, error) {
	ch := make(chan filetree.Change, 1)
	var (
		started bool
		kind    filetree.Kind
	)
	err := s.loop.Invoke(ctx, func() {
		tree := s.files.Tree()
		if kind = tree.Kind(ref); kind != filetree.File {
			return
		}
		var unsubscribe func()
		unsubscribe = tree.Subscribe(func(c filetree.Change) {
			if c.Ref.Path != ref.Path || (c.Type != filetree.BufferSet && c.Type != filetree.BufferFailed) {
				return
			}
			unsubscribe()
			ch <- c
		})
		if started = s.files.DownloadBuffer(ref); !started {
			unsubscribe()
		}
	})
	if err != nil {
		return nil, err
	}
	if kind != filetree.File {
		return nil, fmt.Errorf("%s is not a file", ref.Path)
	}
	if !started {
		return nil, fmt.Errorf("%s is already being fetched", ref.Path)
	}

	select {
	case c := <-ch:
		if c.Failed() {
			return nil, fmt.Errorf("unable to download %s", ref.Path)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var (
		data []byte
		ok   bool
	)
	if err := s.loop.Invoke(ctx, func() { data, ok = s.files.FileBuffer(ref) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s changed while it was fetched", ref.Path)
	}
	return data, nil
}

func newRmCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <remote>",
		Short: "Delete a remote file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Delete(ref)
				}))
			})
		},
	}
}

func newMvCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <remote> <new path>",
		Short: "Move a remote file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				to := s.remotePath(args[1])
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Move(ref, to)
				}))
			})
		},
	}
}

func newCpCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cp <remote> <new path>",
		Short: "Copy a remote file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				to := s.remotePath(args[1])
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Copy(ref, to)
				}))
			})
		},
	}
}

func newRenameCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <remote> <new name>",
		Short: "Rename a remote file or folder in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Rename(ref, args[1])
				}))
			})
		},
	}
}

func newMkdirCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <remote path>",
		Short: "Create a remote folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				p := s.remotePath(args[0])
				parent, err := s.loaded(ctx, filetree.Parent(p))
				if err != nil {
					return err
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Mkdir(parent, filetree.Base(p))
				}))
			})
		},
	}
}

func newCompressCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compress <remote folder>",
		Short: "Start a remote job that packs a folder into an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Compress(ref)
				}))
			})
		},
	}
}

func newExtractCommand(ctx context.Context, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <remote archive>",
		Short: "Start a remote job that unpacks an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return execute(ctx, opts, func(ctx context.Context, s *session) error {
				ref, err := s.resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return s.printResult(s.fileOp(ctx, func(o *fileop.Operator) bool {
					return o.Decompress(ref)
				}))
			})
		},
	}
}
