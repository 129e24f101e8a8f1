package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/gluk-w/shellvault/internal/sshlogs"
	"github.com/gluk-w/shellvault/internal/sshterminal"
)

func newTailCmd(a *app) *cobra.Command {
	var (
		lines  int
		follow bool
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "tail <server> [remote-file]",
		Short: "Print or follow a file on a server",
		Long: `Print the last lines of a remote file, or keep following it with -f
until interrupted. With --list, report which common system logs exist on
the server instead.`,
		Example: "  shellvault tail web-1 /var/log/syslog -f",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}

			if list {
				found, err := a.manager.AvailableLogs(ctx, conn, nil)
				if err != nil {
					return err
				}
				for _, p := range found {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}
			if len(args) < 2 {
				return errors.New("remote file is required unless --list is given")
			}

			ch, err := a.manager.StreamFile(ctx, conn, args[1], lines, follow)
			if err != nil {
				return err
			}
			for line := range ch {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", sshlogs.DefaultLines, "number of existing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing lines as they are appended")
	cmd.Flags().BoolVar(&list, "list", false, "list the common log files present on the server")
	return cmd
}

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <server>",
		Short: "Open an interactive shell on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			opts := sshterminal.Options{Term: os.Getenv("TERM")}
			in, isTTY := cmd.InOrStdin().(*os.File)
			isTTY = isTTY && term.IsTerminal(int(in.Fd()))
			if isTTY {
				if w, h, err := term.GetSize(int(in.Fd())); err == nil {
					opts.Cols, opts.Rows = clampSize(w, sshterminal.MaxCols), clampSize(h, sshterminal.MaxRows)
				}
				state, err := term.MakeRaw(int(in.Fd()))
				if err != nil {
					return fmt.Errorf("set raw mode: %w", err)
				}
				defer term.Restore(int(in.Fd()), state)
			}

			t, err := a.manager.OpenTerminal(conn, opts)
			if err != nil {
				return err
			}
			defer t.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if isTTY {
				go watchResize(ctx, int(in.Fd()), t)
			}

			go func() {
				io.Copy(t.Stdin, cmd.InOrStdin())
				t.Stdin.Close()
			}()
			output := make(chan struct{})
			go func() {
				io.Copy(cmd.OutOrStdout(), t.Stdout)
				close(output)
			}()

			err = t.Wait()
			<-output
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return fmt.Errorf("shell exited with status %d", exitErr.ExitStatus())
			}
			return err
		},
	}
}

func clampSize(n int, max uint16) uint16 {
	switch {
	case n <= 0:
		return 0
	case n > int(max):
		return max
	}
	return uint16(n)
}

func newForwardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forward <server> <local-addr> <remote-addr>",
		Short: "Forward a local port to an address reachable from a server",
		Long: `Listen on local-addr and forward every connection to remote-addr as dialed
from the server, like ssh -L. Runs until interrupted.`,
		Example: "  shellvault forward bastion 127.0.0.1:5432 db.internal:5432",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			t, err := a.manager.Forward(ctx, conn, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarding %s via %s, press Ctrl-C to stop\n", t, conn.Server.Name)

			<-ctx.Done()
			return t.Close()
		},
	}
}
