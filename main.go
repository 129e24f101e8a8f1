package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/gluk-w/shellvault/internal/config"
	"github.com/gluk-w/shellvault/internal/crypto"
	"github.com/gluk-w/shellvault/internal/database"
	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/secretstore"
	"github.com/gluk-w/shellvault/internal/server"
	"github.com/gluk-w/shellvault/internal/sshaudit"
	"github.com/gluk-w/shellvault/internal/sshkeys"
	"github.com/gluk-w/shellvault/internal/sshmanager"
	"github.com/gluk-w/shellvault/internal/vault"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run builds the command tree for one invocation and releases everything it
// opened, whether or not the command succeeded.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	a := &app{}
	defer a.close()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.Execute()
}

// app holds the services shared by every command. They are built once per
// invocation by open.
type app struct {
	settings  config.Settings
	db        *gorm.DB
	vault     *vault.Vault
	inventory *server.Inventory
	manager   *sshmanager.Manager
	auditor   *sshaudit.Auditor
}

func newRootCmd(a *app) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "shellvault",
		Short: "Encrypted SSH credential vault and connection manager",
		Long: `shellvault keeps server credentials and SSH keys in an encrypted local
vault and runs commands, listings and file transfers over managed SSH
connections.

Configuration is read from SHELLVAULT_* environment variables; data lives
in ~/.shellvault unless SHELLVAULT_DATA_PATH says otherwise.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(!verbose)
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also write log output to stderr")

	cmd.AddCommand(
		newServerCmd(a),
		newKeyCmd(a),
		newExecCmd(a),
		newListCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newTailCmd(a),
		newShellCmd(a),
		newForwardCmd(a),
		newWatchCmd(a),
		newAuditCmd(a),
		newLogsCmd(a),
	)
	return cmd
}

func (a *app) open(quiet bool) error {
	s, err := config.Load()
	if err != nil {
		return err
	}
	a.settings = s

	if err := logging.Init(s.LogPath, quiet); err != nil {
		return err
	}

	key := s.MasterKey
	if key == "" {
		if key, err = crypto.LoadOrCreateKey(s.MasterKeyPath()); err != nil {
			return err
		}
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return err
	}

	if a.db, err = database.Open(s.DatabasePath); err != nil {
		return err
	}
	a.vault = vault.New(secretstore.NewDBStore(a.db, sealer), s.KeyDir)
	a.inventory = server.NewInventory(s.InventoryPath)

	allowed, err := sshmanager.ParseAllowedNetworks(s.AllowedNetworks)
	if err != nil {
		return fmt.Errorf("SHELLVAULT_ALLOWED_NETWORKS: %w", err)
	}
	limits := sshmanager.DefaultRateLimitConfig()
	a.manager = sshmanager.NewManager(a.vault, sshmanager.Options{
		CommandTimeout:    s.CommandTimeout,
		ConnectTimeout:    s.ConnectTimeout,
		HostKeyCallback:   sshkeys.NewKnownHosts(s.KnownHosts, s.StrictHostKeys).Callback(),
		AllowedNetworks:   allowed,
		RateLimit:         &limits,
		QueueSize:         s.QueueSize,
		KeepaliveInterval: s.KeepaliveInterval,
	})

	if a.auditor, err = sshaudit.NewAuditor(a.db, s.AuditRetentionDays); err != nil {
		return err
	}
	a.auditor.Attach(a.manager)
	a.manager.OnEvent(func(e sshmanager.ConnectionEvent) {
		if e.Type != sshmanager.EventConnected {
			return
		}
		if err := a.inventory.MarkConnected(e.ServerID, e.Timestamp); err != nil && !errors.Is(err, server.ErrNotFound) {
			log.Printf("[inventory] record last connection for %s: %v", logging.Sanitize(e.ServerName), err)
		}
	})
	return nil
}

func (a *app) close() {
	if a.manager != nil {
		if err := a.manager.CloseAll(); err != nil {
			log.Printf("[ssh] shutdown: %v", err)
		}
	}
	if err := database.Close(a.db); err != nil {
		log.Printf("[database] close: %v", err)
	}
	logging.Shutdown()
}
