package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gluk-w/shellvault/internal/keyrotation"
	"github.com/gluk-w/shellvault/internal/sshkeys"
)

func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage SSH keys stored in the vault (add, gen, rm, ls, path, rotate)",
	}
	cmd.AddCommand(
		newKeyAddCmd(a),
		newKeyGenCmd(a),
		newKeyRemoveCmd(a),
		newKeyListCmd(a),
		newKeyPathCmd(a),
		newKeyRotateCmd(a),
	)
	return cmd
}

func newKeyAddCmd(a *app) *cobra.Command {
	var pubFile string
	cmd := &cobra.Command{
		Use:   "add <name> <private-key-file>",
		Short: "Import a private key into the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read private key: %w", err)
			}

			var pub []byte
			switch {
			case pubFile != "":
				if pub, err = os.ReadFile(pubFile); err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
			case !sshkeys.IsEncrypted(priv):
				if pub, err = sshkeys.PublicKeyFromPrivate(priv); err != nil {
					return err
				}
			}

			path, err := a.vault.SaveSSHKey(priv, pub, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", args[0], path)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubFile, "pub", "", "public key file (derived from the private key when omitted)")
	return cmd
}

func newKeyGenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gen <name>",
		Short: "Generate an ED25519 key pair in the vault and print its public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, pub, err := a.vault.GenerateSSHKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "private key mirrored to %s\n", path)
			fmt.Fprint(cmd.OutOrStdout(), string(pub))
			return nil
		},
	}
}

func newKeyRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Delete a key and its mirrored files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.vault.DeleteSSHKey(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newKeyListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := a.vault.DescribeSSHKeys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys stored.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tALGORITHM\tFINGERPRINT\tCREATED\tPASSPHRASE")
			for _, k := range keys {
				encrypted := "no"
				if k.Encrypted {
					encrypted = "yes"
				}
				algorithm, fingerprint := k.Algorithm, k.Fingerprint
				if algorithm == "" {
					algorithm, fingerprint = "-", "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					k.Name, algorithm, fingerprint, k.CreatedAt.Local().Format("2006-01-02"), encrypted)
			}
			return w.Flush()
		},
	}
}

func newKeyPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path <name>",
		Short: "Print the private key file path, restoring the file if it is missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.vault.KeyFile(args[0])
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newKeyRotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <name>",
		Short: "Replace a key with a new ED25519 key on every server that uses it",
		Long: `Generate a new ED25519 key, authorize it on every server configured with
<name>, confirm it logs in, then swap it into the vault and remove the old
key from each server. If any server rejects the new key nothing is swapped
and the new key is withdrawn again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := a.inventory.List()
			if err != nil {
				return err
			}
			res, rotateErr := keyrotation.Rotate(cmd.Context(), a.vault, a.manager, args[0], servers)
			if res == nil {
				return rotateErr
			}

			out := cmd.OutOrStdout()
			if len(res.Servers) > 0 {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SERVER\tSTATUS\tDETAIL")
				for _, st := range res.Servers {
					status, detail := "ok", st.Warning
					if !st.Success {
						status, detail = "failed", st.Error
					}
					if detail == "" {
						detail = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, status, detail)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if rotateErr != nil {
				return rotateErr
			}
			fmt.Fprintf(out, "rotated %s: %s -> %s\n", res.KeyName, orDash(res.OldFingerprint), res.NewFingerprint)
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
