package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/shellvault/internal/sshmanager"
)

// maxParallelServers bounds the exec fan-out.
const maxParallelServers = 8

func (a *app) connect(ctx context.Context, ref string) (*sshmanager.Connection, error) {
	srv, err := a.inventory.Get(ref)
	if err != nil {
		return nil, err
	}
	return a.manager.Connect(ctx, srv)
}

func newExecCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <server>... -- <command>",
		Short: "Run a command on one or more servers",
		Long: `Run a command on every listed server in parallel. Output is printed per
server in the order the servers were given.`,
		Example: "  shellvault exec web-1 web-2 -- uptime",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 1 || dash == len(args) {
				return errors.New("usage: exec <server>... -- <command>")
			}
			servers, command := args[:dash], strings.Join(args[dash:], " ")

			outputs := make([]string, len(servers))
			errs := make([]error, len(servers))
			var g errgroup.Group
			g.SetLimit(maxParallelServers)
			for i, ref := range servers {
				g.Go(func() error {
					conn, err := a.connect(cmd.Context(), ref)
					if err != nil {
						errs[i] = err
						return nil
					}
					outputs[i], errs[i] = a.manager.Execute(cmd.Context(), command, conn)
					return nil
				})
			}
			g.Wait()

			out := cmd.OutOrStdout()
			var failed []error
			for i, ref := range servers {
				if len(servers) > 1 {
					fmt.Fprintf(out, "==> %s <==\n", ref)
				}
				fmt.Fprint(out, outputs[i])
				if errs[i] != nil {
					var cmdErr *sshmanager.CommandError
					if errors.As(errs[i], &cmdErr) && cmdErr.Output != "" {
						fmt.Fprint(out, cmdErr.Output)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", ref, errs[i])
					failed = append(failed, fmt.Errorf("%s: %w", ref, errs[i]))
				}
			}
			return errors.Join(failed...)
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <server> [path]",
		Short: "List a remote directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 2 {
				path = args[1]
			}
			conn, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			items, err := a.manager.ListDirectory(cmd.Context(), path, conn)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, it := range items {
				name := it.Name
				if it.IsSymlink && it.SymlinkTarget != "" {
					name += " -> " + it.SymlinkTarget
				}
				modified := "-"
				if !it.ModTime.IsZero() {
					modified = it.ModTime.Format("Jan _2 2006 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					it.Permissions, it.Owner, it.Group, it.FormattedSize(), modified, name)
			}
			return w.Flush()
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <server> <remote-path> <local-path>",
		Short: "Download a file over SFTP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			t, err := a.manager.Download(cmd.Context(), conn, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <server> <local-path> <remote-path>",
		Short: "Upload a file over SFTP",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			t, err := a.manager.Upload(cmd.Context(), conn, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t)
			return nil
		},
	}
}
