// Package keyrotation replaces a vault SSH key on every server that
// authenticates with it.
//
// Rotation never leaves a server without a working key. The new public key
// is appended to authorized_keys everywhere first and tested with a fresh
// login. Only when every server accepts it is the vault entry swapped, after
// which each server is reconnected with the new key and the old key's line is
// removed. If any server fails before the swap, the new key is taken back out
// wherever it was added and the vault is left untouched.
package keyrotation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/server"
	"github.com/gluk-w/shellvault/internal/sshfiles"
	"github.com/gluk-w/shellvault/internal/sshkeys"
	"github.com/gluk-w/shellvault/internal/sshmanager"
	"github.com/gluk-w/shellvault/internal/vault"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	// ErrIncomplete means at least one server rejected the new key, so the
	// vault still holds the old one.
	ErrIncomplete = errors.New("rotation incomplete")
)

// KeyStore is the part of the vault rotation needs. *vault.Vault implements
// it.
type KeyStore interface {
	LoadSSHKey(name string) (*vault.KeyPair, error)
	SaveSSHKey(privateKey, publicKey []byte, name string) (string, error)
	SaveServerCredentials(srv server.Server) error
}

// Sessions runs the remote side of a rotation. *sshmanager.Manager
// implements it.
type Sessions interface {
	Connect(ctx context.Context, srv server.Server) (*sshmanager.Connection, error)
	Execute(ctx context.Context, cmd string, conn *sshmanager.Connection) (string, error)
	CheckKey(ctx context.Context, srv server.Server, signer ssh.Signer) error
	DisconnectServer(serverID uuid.UUID) error
}

// ServerStatus is one server's outcome.
type ServerStatus struct {
	ServerID uuid.UUID `json:"server_id"`
	Name     string    `json:"name"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	// Warning is set when the new key works but the old one could not be
	// removed from authorized_keys.
	Warning string `json:"warning,omitempty"`
}

// Result captures the outcome of a rotation.
type Result struct {
	KeyName        string         `json:"key_name"`
	OldFingerprint string         `json:"old_fingerprint"`
	NewFingerprint string         `json:"new_fingerprint"`
	Timestamp      time.Time      `json:"timestamp"`
	Servers        []ServerStatus `json:"servers"`
	Rotated        bool           `json:"rotated"`
}

// UsesKey reports whether srv authenticates with the vault key name.
func UsesKey(srv server.Server, name string) bool {
	k, ok := srv.Auth.(server.KeyAuth)
	return ok && vault.SanitizeKeyName(k.KeyName) == vault.SanitizeKeyName(name)
}

// Rotate replaces the key stored under name. Servers that do not use the
// key are ignored.
func Rotate(ctx context.Context, keys KeyStore, sessions Sessions, name string, servers []server.Server) (*Result, error) {
	old, err := keys.LoadSSHKey(name)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("%s: %w", logging.Sanitize(name), ErrKeyNotFound)
	}
	defer old.Wipe()

	result := &Result{KeyName: old.Name, Timestamp: time.Now().UTC()}
	oldPub := old.PublicKey
	if len(oldPub) == 0 && !sshkeys.IsEncrypted(old.PrivateKey) {
		oldPub, _ = sshkeys.PublicKeyFromPrivate(old.PrivateKey)
	}
	oldBlob, _ := keyBlob(oldPub)
	if len(oldPub) > 0 {
		result.OldFingerprint, _ = sshkeys.GetPublicKeyFingerprint(oldPub)
	}

	newPub, newPriv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate new key: %w", err)
	}
	signer, err := sshkeys.ParsePrivateKey(newPriv, "")
	if err != nil {
		return nil, fmt.Errorf("parse new key: %w", err)
	}
	result.NewFingerprint = ssh.FingerprintSHA256(signer.PublicKey())
	newBlob, err := keyBlob(newPub)
	if err != nil {
		return nil, err
	}

	var targets []server.Server
	for _, srv := range servers {
		if UsesKey(srv, name) {
			targets = append(targets, srv)
			result.Servers = append(result.Servers, ServerStatus{ServerID: srv.ID, Name: srv.Name})
		}
	}
	log.Printf("[keyrotation] rotating %s on %d server(s) (old=%s, new=%s)",
		result.KeyName, len(targets), result.OldFingerprint, result.NewFingerprint)

	// Append the new key and prove it logs in, concurrently. Each goroutine
	// owns its own status slot.
	appended := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, srv := range targets {
		wg.Add(1)
		go func(i int, srv server.Server) {
			defer wg.Done()
			conn, err := sessions.Connect(ctx, srv)
			if err != nil {
				result.Servers[i].Error = fmt.Sprintf("connect: %v", err)
				return
			}
			if _, err := sessions.Execute(ctx, appendCommand(newPub), conn); err != nil {
				result.Servers[i].Error = fmt.Sprintf("append key: %v", err)
				return
			}
			appended[i] = true
			if err := sessions.CheckKey(ctx, srv, signer); err != nil {
				result.Servers[i].Error = fmt.Sprintf("test new key: %v", err)
			}
		}(i, srv)
	}
	wg.Wait()

	failed := 0
	for _, st := range result.Servers {
		if st.Error != "" {
			failed++
			log.Printf("[keyrotation] %s keeps the old key: %s", logging.Sanitize(st.Name), st.Error)
		}
	}
	if failed > 0 {
		rollback(ctx, sessions, targets, appended, newBlob)
		return result, fmt.Errorf("%w: %d of %d server(s) rejected the new key", ErrIncomplete, failed, len(targets))
	}

	if _, err := keys.SaveSSHKey(newPriv, newPub, name); err != nil {
		rollback(ctx, sessions, targets, appended, newBlob)
		return result, fmt.Errorf("store new key: %w", err)
	}
	result.Rotated = true

	// Reconnect with the new key, then drop the old one.
	for i, srv := range targets {
		srv.Auth = server.KeyAuth{KeyName: result.KeyName}
		st := &result.Servers[i]
		st.Success = true
		if err := keys.SaveServerCredentials(srv); err != nil {
			st.Warning = fmt.Sprintf("update credentials: %v", err)
			continue
		}
		if err := sessions.DisconnectServer(srv.ID); err != nil {
			log.Printf("[keyrotation] disconnect %s: %v", logging.Sanitize(srv.Name), err)
		}
		if oldBlob == "" || oldBlob == newBlob {
			continue
		}
		conn, err := sessions.Connect(ctx, srv)
		if err != nil {
			st.Warning = fmt.Sprintf("reconnect with new key: %v", err)
			continue
		}
		if _, err := sessions.Execute(ctx, removeCommand(oldBlob), conn); err != nil {
			st.Warning = fmt.Sprintf("remove old key: %v", err)
		}
	}
	for _, st := range result.Servers {
		if st.Warning != "" {
			log.Printf("[keyrotation] %s: %s", logging.Sanitize(st.Name), st.Warning)
		}
	}
	log.Printf("[keyrotation] %s rotated on %d server(s) (new=%s)", result.KeyName, len(targets), result.NewFingerprint)
	return result, nil
}

// rollback takes the new key back out wherever it was appended. The old
// key's connections are still live, so they carry the cleanup.
func rollback(ctx context.Context, sessions Sessions, targets []server.Server, appended []bool, newBlob string) {
	for i, srv := range targets {
		if !appended[i] {
			continue
		}
		conn, err := sessions.Connect(ctx, srv)
		if err == nil {
			_, err = sessions.Execute(ctx, removeCommand(newBlob), conn)
		}
		if err != nil {
			log.Printf("[keyrotation] could not withdraw new key from %s: %v", logging.Sanitize(srv.Name), err)
		}
	}
}

// keyBlob is the base64 key material of an authorized_keys line, which
// identifies the key whatever its comment.
func keyBlob(authorizedKey []byte) (string, error) {
	if len(authorizedKey) == 0 {
		return "", errors.New("no public key")
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub.Marshal()), nil
}

func appendCommand(authorizedKey []byte) string {
	line := string(trimNewline(authorizedKey))
	return fmt.Sprintf(`mkdir -p "$HOME/.ssh" && chmod 700 "$HOME/.ssh" && `+
		`printf '%%s\n' %s >> "$HOME/.ssh/authorized_keys" && chmod 600 "$HOME/.ssh/authorized_keys"`,
		sshfiles.ShellQuote(line))
}

// removeCommand drops every authorized_keys line carrying blob. grep exiting
// 1 only means no lines are left.
func removeCommand(blob string) string {
	return fmt.Sprintf(`f="$HOME/.ssh/authorized_keys"; [ -f "$f" ] || exit 0; `+
		`{ grep -vF -- %s "$f" || [ $? -eq 1 ]; } > "$f.tmp" && mv "$f.tmp" "$f" && chmod 600 "$f"`,
		sshfiles.ShellQuote(blob))
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
