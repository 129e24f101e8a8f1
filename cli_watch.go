package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/netmon"
	"github.com/gluk-w/shellvault/internal/server"
	"github.com/gluk-w/shellvault/internal/sshaudit"
	"github.com/gluk-w/shellvault/internal/sshmanager"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [server...]",
		Short: "Hold connections open and follow network changes until interrupted",
		Long: `Connect to the given servers (all configured servers when none are given),
then watch network reachability. Connections are marked lost when the
network goes away and re-established once it comes back. The audit log
retention purge runs on SHELLVAULT_AUDIT_PURGE_SCHEDULE meanwhile.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			servers, err := a.watchTargets(args)
			if err != nil {
				return err
			}
			byID := make(map[string]server.Server, len(servers))
			for _, s := range servers {
				byID[s.ID.String()] = s
			}

			// The manager only reconnects when asked; this command is the one
			// asking. Listeners must not block the manager, hence the goroutine.
			a.manager.OnEvent(func(e sshmanager.ConnectionEvent) {
				if e.Type != sshmanager.EventReconnecting {
					return
				}
				srv, ok := byID[e.ServerID.String()]
				if !ok {
					return
				}
				go a.reconnect(ctx, srv)
			})

			for _, s := range servers {
				if _, err := a.manager.Connect(ctx, s); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", s.Name, err)
				}
			}

			purge, err := a.auditor.SchedulePurge(a.settings.AuditPurgeSchedule)
			if err != nil {
				return err
			}
			defer purge.Stop()

			checker := netmon.All(netmon.NewInterfaceChecker(), netmon.NewDialChecker(a.settings.CheckAddrs, a.settings.CheckTimeout))
			monitor := netmon.New(checker, a.manager, a.settings.CheckInterval)
			monitor.Start(ctx)

			fmt.Fprintf(cmd.OutOrStdout(), "watching %d server(s), press Ctrl-C to stop\n", len(servers))
			<-ctx.Done()
			monitor.Wait()
			return nil
		},
	}
}

func (a *app) watchTargets(refs []string) ([]server.Server, error) {
	if len(refs) == 0 {
		return a.inventory.List()
	}
	servers := make([]server.Server, 0, len(refs))
	for _, ref := range refs {
		s, err := a.inventory.Get(ref)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func (a *app) reconnect(ctx context.Context, srv server.Server) {
	if _, err := a.manager.Reconnect(ctx, srv, sshmanager.DefaultReconnectAttempts); err != nil && ctx.Err() == nil {
		log.Printf("[ssh] reconnect %s: %v", logging.Sanitize(srv.Name), err)
	}
}

func newAuditCmd(a *app) *cobra.Command {
	var (
		serverRef, eventType string
		since                time.Duration
		limit, offset        int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the connection audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sshaudit.QueryOptions{EventType: eventType, Limit: limit, Offset: offset}
			if serverRef != "" {
				if s, err := a.inventory.Get(serverRef); err == nil {
					opts.ServerID = s.ID.String()
				} else {
					opts.ServerName = serverRef
				}
			}
			if since > 0 {
				from := time.Now().Add(-since)
				opts.Since = &from
			}

			res, err := a.auditor.Query(opts)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSERVER\tEVENT\tDETAILS")
			for _, e := range res.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.ServerName, e.EventType, logging.Sanitize(e.Details))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if shown := int64(res.Offset + len(res.Entries)); shown < res.Total {
				fmt.Fprintf(cmd.ErrOrStderr(), "showing %d-%d of %d\n", res.Offset+1, shown, res.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverRef, "server", "", "only events for this server (name or id)")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type (connected, command_executed, ...)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var (
		lines int
		clear bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the shellvault log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clear {
				if err := logging.Clear(a.settings.LogPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "log cleared")
				return nil
			}
			tail, err := logging.ReadTail(a.settings.LogPath, lines)
			if err != nil {
				return err
			}
			if tail != "" {
				fmt.Fprintln(cmd.OutOrStdout(), tail)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of lines to show")
	cmd.Flags().BoolVar(&clear, "clear", false, "truncate the log file instead of printing it")
	return cmd
}
