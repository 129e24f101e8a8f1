// Package vault keeps per-server credentials and named SSH key pairs in the
// encrypted secret store, and mirrors private keys to owner-only files for
// tools that need a path.
//
// Entries are namespaced: "server.<uuid>" holds a server's Credentials and
// "sshkey.<name>" holds a KeyPair. Key names are sanitized before they are
// used as storage keys or file names. Missing entries are reported as nil
// results, never as errors.
package vault

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/secretstore"
	"github.com/gluk-w/shellvault/internal/server"
)

const (
	serverPrefix = "server."
	keyPrefix    = "sshkey."
)

// Credentials is the secret half of a server's auth method. Exactly one of
// Password and KeyName is set.
type Credentials struct {
	ServerID   uuid.UUID `json:"server_id"`
	Password   *string   `json:"password,omitempty"`
	KeyName    *string   `json:"key_name,omitempty"`
	Passphrase string    `json:"passphrase,omitempty"`
}

// Wipe drops the references to secret values once an authentication
// attempt is done with them.
func (c *Credentials) Wipe() {
	c.Password = nil
	c.Passphrase = ""
}

// KeyPair is a named private key with its optional public half.
type KeyPair struct {
	Name       string    `json:"name"`
	PrivateKey []byte    `json:"private_key"`
	PublicKey  []byte    `json:"public_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Wipe zeroes the private key bytes.
func (k *KeyPair) Wipe() {
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
	k.PrivateKey = nil
}

// Vault is safe for concurrent use as long as its Store is.
type Vault struct {
	store  secretstore.Store
	keyDir string
}

// New returns a vault over store that mirrors key files into keyDir.
func New(store secretstore.Store, keyDir string) *Vault {
	return &Vault{store: store, keyDir: keyDir}
}

func serverKey(id uuid.UUID) string { return serverPrefix + id.String() }

// SaveServerCredentials derives Credentials from srv.Auth and stores them,
// replacing any earlier record for the server.
func (v *Vault) SaveServerCredentials(srv server.Server) error {
	creds := Credentials{ServerID: srv.ID}
	switch a := srv.Auth.(type) {
	case server.PasswordAuth:
		pw := a.Password
		creds.Password = &pw
	case server.KeyAuth:
		name := filepath.Base(a.KeyName)
		creds.KeyName = &name
		creds.Passphrase = a.Passphrase
	default:
		return wrap("save credentials", serverKey(srv.ID), fmt.Errorf("unsupported auth method %T", srv.Auth))
	}

	data, err := json.Marshal(&creds)
	if err != nil {
		return wrap("encode credentials", serverKey(srv.ID), err)
	}
	if err := v.store.Set(serverKey(srv.ID), data); err != nil {
		return wrap("save credentials", serverKey(srv.ID), err)
	}
	log.Printf("[vault] saved %s credentials for server %s", srv.Auth.Kind(), logging.Sanitize(srv.Name))
	return nil
}

// LoadServerCredentials returns nil, nil when nothing is stored for id.
func (v *Vault) LoadServerCredentials(id uuid.UUID) (*Credentials, error) {
	data, found, err := v.store.Get(serverKey(id))
	if err != nil {
		return nil, wrap("load credentials", serverKey(id), err)
	}
	if !found {
		return nil, nil
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, wrap("decode credentials", serverKey(id), err)
	}
	return &creds, nil
}

// DeleteServerCredentials is a no-op when nothing is stored.
func (v *Vault) DeleteServerCredentials(id uuid.UUID) error {
	if err := v.store.Delete(serverKey(id)); err != nil {
		return wrap("delete credentials", serverKey(id), err)
	}
	return nil
}

// SanitizeKeyName maps name to a safe storage key and file name: path
// separators, spaces and dots become underscores.
func SanitizeKeyName(name string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '.':
			return '_'
		}
		return r
	}, name)
	if s == "" {
		return "_"
	}
	return s
}
