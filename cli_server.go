package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gluk-w/shellvault/internal/server"
)

func newServerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage configured servers (add, rm, ls)",
	}
	cmd.AddCommand(newServerAddCmd(a), newServerRemoveCmd(a), newServerListCmd(a))
	return cmd
}

func newServerAddCmd(a *app) *cobra.Command {
	var (
		host, user, keyName, localPath string
		port                           int
		passphrase                     bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a server and store its credentials in the vault",
		Long: `Add a server to the inventory. With --key the server authenticates with a
key from the vault; otherwise the password is prompted for (or read from
stdin when it is not a terminal). Secrets are only ever stored in the vault.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var auth server.AuthMethod
			if keyName != "" {
				pair, err := a.vault.LoadSSHKey(keyName)
				if err != nil {
					return err
				}
				if pair == nil {
					return fmt.Errorf("key %q not found, add it with 'shellvault key add' or 'key gen'", keyName)
				}
				pair.Wipe()

				k := server.KeyAuth{KeyName: keyName}
				if passphrase {
					secret, err := readSecret(cmd, "Key passphrase: ")
					if err != nil {
						return err
					}
					k.Passphrase = secret
				}
				auth = k
			} else {
				secret, err := readSecret(cmd, "Password: ")
				if err != nil {
					return err
				}
				auth = server.PasswordAuth{Password: secret}
			}

			srv := server.New(args[0], host, user, auth)
			srv.Port = port
			srv.LocalPath = localPath
			if err := srv.Validate(); err != nil {
				return err
			}
			if err := a.inventory.Add(srv); err != nil {
				return err
			}
			if err := a.vault.SaveServerCredentials(srv); err != nil {
				if _, rmErr := a.inventory.Remove(srv.ID.String()); rmErr != nil {
					return fmt.Errorf("%w (and removing the inventory entry failed: %v)", err, rmErr)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", srv, srv.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "hostname or IP address")
	cmd.Flags().IntVar(&port, "port", server.DefaultPort, "SSH port")
	cmd.Flags().StringVarP(&user, "user", "u", "", "login user")
	cmd.Flags().StringVar(&keyName, "key", "", "authenticate with this vault key instead of a password")
	cmd.Flags().BoolVar(&passphrase, "passphrase", false, "prompt for the key's passphrase")
	cmd.Flags().StringVar(&localPath, "local-path", "", "default local directory for transfers")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newServerRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name|id>",
		Aliases: []string{"remove"},
		Short:   "Remove a server and delete its credentials",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := a.inventory.Remove(args[0])
			if err != nil {
				return err
			}
			if err := a.vault.DeleteServerCredentials(srv.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", srv.Name)
			return nil
		},
	}
}

func newServerListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List configured servers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := a.inventory.List()
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No servers configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tUSER\tAUTH\tLAST CONNECTED")
			for _, s := range servers {
				last := "never"
				if s.LastConnected != nil {
					last = s.LastConnected.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Addr(), s.Username, describeAuth(s.Auth), last)
			}
			return w.Flush()
		},
	}
}

func describeAuth(auth server.AuthMethod) string {
	switch a := auth.(type) {
	case server.PasswordAuth:
		return "password"
	case server.KeyAuth:
		if a.Passphrase != "" {
			return "key:" + a.KeyName + " (passphrase)"
		}
		return "key:" + a.KeyName
	default:
		return "none"
	}
}

// readSecret prompts without echo on a terminal and reads one line from the
// command's input otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(secret), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("read secret: empty input")
	}
	return secret, nil
}
