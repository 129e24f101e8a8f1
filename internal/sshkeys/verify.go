package sshkeys

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/shellvault/internal/logging"
)

// FingerprintMismatchError is returned when a key fingerprint does not match the
// expected value. This may indicate key tampering or a MITM attack.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("host key fingerprint mismatch for %s: expected %s, got %s (possible MITM attack)", e.Host, e.Expected, e.Actual)
	}
	return fmt.Sprintf("SSH key fingerprint mismatch: expected %s, got %s (possible key tampering or MITM attack)", e.Expected, e.Actual)
}

// ErrUnknownHost is returned in strict mode for hosts absent from known_hosts.
var ErrUnknownHost = errors.New("host key is not in known_hosts")

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of an SSH public key
// in authorized_keys format.
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}

	return ssh.FingerprintSHA256(parsed), nil
}

// GetPublicKeyAlgorithm returns the algorithm (e.g. "ssh-ed25519") of an SSH
// public key in authorized_keys format.
func GetPublicKeyAlgorithm(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get algorithm: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get algorithm: parse public key: %w", err)
	}

	return parsed.Type(), nil
}

// VerifyFingerprint checks that publicKey matches expectedFingerprint. An empty
// expectation always passes.
func VerifyFingerprint(publicKey []byte, expectedFingerprint string) error {
	if expectedFingerprint == "" {
		return nil
	}

	actual, err := GetPublicKeyFingerprint(publicKey)
	if err != nil {
		return fmt.Errorf("verify fingerprint: %w", err)
	}

	if actual != expectedFingerprint {
		return &FingerprintMismatchError{
			Expected: expectedFingerprint,
			Actual:   actual,
		}
	}

	return nil
}

// KnownHosts verifies server host keys against an OpenSSH known_hosts file.
// Unknown hosts are trusted on first use and appended to the file unless
// Strict is set. A changed key is always rejected.
type KnownHosts struct {
	path   string
	strict bool
	mu     sync.Mutex
}

func NewKnownHosts(path string, strict bool) *KnownHosts {
	return &KnownHosts{path: path, strict: strict}
}

// Callback returns an ssh.HostKeyCallback bound to the known_hosts file.
func (k *KnownHosts) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		k.mu.Lock()
		defer k.mu.Unlock()

		if err := k.ensureFile(); err != nil {
			return err
		}
		check, err := knownhosts.New(k.path)
		if err != nil {
			return fmt.Errorf("load known_hosts: %w", err)
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &FingerprintMismatchError{
				Host:     hostname,
				Expected: ssh.FingerprintSHA256(keyErr.Want[0].Key),
				Actual:   ssh.FingerprintSHA256(key),
			}
		}
		if k.strict {
			return fmt.Errorf("%s: %w", hostname, ErrUnknownHost)
		}
		return k.trust(hostname, key)
	}
}

func (k *KnownHosts) ensureFile() error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(k.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	return f.Close()
}

// trust appends key for hostname. Caller must hold k.mu.
func (k *KnownHosts) trust(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	log.Printf("[sshkeys] trusted new host key for %s (%s)", logging.Sanitize(hostname), ssh.FingerprintSHA256(key))
	return nil
}
