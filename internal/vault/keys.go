package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gluk-w/shellvault/internal/sshkeys"
)

// KeyInfo describes a stored key without exposing the private half.
type KeyInfo struct {
	Name        string
	Algorithm   string
	Fingerprint string
	CreatedAt   time.Time
	Encrypted   bool
}

// KeyPath is where the private key mirror for name lives.
func (v *Vault) KeyPath(name string) string {
	return filepath.Join(v.keyDir, SanitizeKeyName(name))
}

// SaveSSHKey stores a key pair under the sanitized name, mirrors it to disk
// and returns the private key file path. publicKey may be nil.
func (v *Vault) SaveSSHKey(privateKey, publicKey []byte, name string) (string, error) {
	safe := SanitizeKeyName(name)
	pair := KeyPair{
		Name:       safe,
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		CreatedAt:  time.Now().UTC(),
	}

	data, err := json.Marshal(&pair)
	if err != nil {
		return "", wrap("encode key", keyPrefix+safe, err)
	}
	prev, hadPrev, err := v.store.Get(keyPrefix + safe)
	if err != nil {
		return "", wrap("save key", keyPrefix+safe, err)
	}
	if err := v.store.Set(keyPrefix+safe, data); err != nil {
		return "", wrap("save key", keyPrefix+safe, err)
	}

	path, err := v.writeMirror(&pair)
	if err != nil {
		// Entry and mirror move together: put back what was there before.
		var rbErr error
		if hadPrev {
			rbErr = v.store.Set(keyPrefix+safe, prev)
		} else {
			rbErr = v.store.Delete(keyPrefix + safe)
		}
		if rbErr != nil {
			log.Printf("[vault] roll back key %s after mirror failure: %v", safe, rbErr)
		}
		return "", err
	}
	log.Printf("[vault] saved ssh key %s", safe)
	return path, nil
}

// LoadSSHKey returns nil, nil when no key is stored under name.
func (v *Vault) LoadSSHKey(name string) (*KeyPair, error) {
	safe := SanitizeKeyName(name)
	data, found, err := v.store.Get(keyPrefix + safe)
	if err != nil {
		return nil, wrap("load key", keyPrefix+safe, err)
	}
	if !found {
		return nil, nil
	}

	var pair KeyPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, wrap("decode key", keyPrefix+safe, err)
	}
	return &pair, nil
}

// DeleteSSHKey removes the vault entry and both mirror files. Missing files
// are ignored.
func (v *Vault) DeleteSSHKey(name string) error {
	safe := SanitizeKeyName(name)
	if err := v.store.Delete(keyPrefix + safe); err != nil {
		return wrap("delete key", keyPrefix+safe, err)
	}

	path := v.KeyPath(safe)
	for _, p := range []string{path, path + ".pub"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[vault] remove key file %s: %v", p, err)
		}
	}
	log.Printf("[vault] deleted ssh key %s", safe)
	return nil
}

// ListSSHKeys returns the sanitized names of all stored keys.
func (v *Vault) ListSSHKeys() ([]string, error) {
	keys, err := v.store.Keys(keyPrefix)
	if err != nil {
		return nil, wrap("list keys", keyPrefix, err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, keyPrefix))
	}
	return names, nil
}

// GenerateSSHKey creates and stores a new ED25519 key pair. It returns the
// private key path and the authorized_keys line.
func (v *Vault) GenerateSSHKey(name string) (string, []byte, error) {
	if existing, err := v.LoadSSHKey(name); err != nil {
		return "", nil, err
	} else if existing != nil {
		return "", nil, wrap("generate key", keyPrefix+SanitizeKeyName(name), errors.New("key already exists"))
	}

	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		return "", nil, wrap("generate key", keyPrefix+SanitizeKeyName(name), err)
	}
	path, err := v.SaveSSHKey(priv, pub, name)
	if err != nil {
		return "", nil, err
	}
	return path, pub, nil
}

// KeyFile returns the private key mirror path for name, rewriting the mirror
// from the vault entry when it is missing. It returns "", nil for unknown keys.
func (v *Vault) KeyFile(name string) (string, error) {
	path := v.KeyPath(name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	pair, err := v.LoadSSHKey(name)
	if err != nil || pair == nil {
		return "", err
	}
	defer pair.Wipe()

	path, err = v.writeMirror(pair)
	if err != nil {
		return "", err
	}
	log.Printf("[vault] regenerated key file for %s", pair.Name)
	return path, nil
}

// DescribeSSHKeys lists stored keys, newest first.
func (v *Vault) DescribeSSHKeys() ([]KeyInfo, error) {
	names, err := v.ListSSHKeys()
	if err != nil {
		return nil, err
	}

	infos := make([]KeyInfo, 0, len(names))
	for _, name := range names {
		pair, err := v.LoadSSHKey(name)
		if err != nil {
			return nil, err
		}
		if pair == nil {
			continue
		}
		info := KeyInfo{
			Name:      pair.Name,
			CreatedAt: pair.CreatedAt,
			Encrypted: sshkeys.IsEncrypted(pair.PrivateKey),
		}
		pub := pair.PublicKey
		if len(pub) == 0 && !info.Encrypted {
			pub, _ = sshkeys.PublicKeyFromPrivate(pair.PrivateKey)
		}
		if len(pub) > 0 {
			info.Algorithm, _ = sshkeys.GetPublicKeyAlgorithm(pub)
			info.Fingerprint, _ = sshkeys.GetPublicKeyFingerprint(pub)
		}
		pair.Wipe()
		infos = append(infos, info)
	}

	sort.SliceStable(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}

func (v *Vault) writeMirror(pair *KeyPair) (string, error) {
	if err := os.MkdirAll(v.keyDir, 0700); err != nil {
		return "", wrap("write key file", v.keyDir, err)
	}
	if err := os.Chmod(v.keyDir, 0700); err != nil {
		return "", wrap("write key file", v.keyDir, err)
	}

	path := v.KeyPath(pair.Name)
	if err := writeFile(path, pair.PrivateKey, 0600); err != nil {
		return "", wrap("write key file", path, err)
	}
	if len(pair.PublicKey) > 0 {
		if err := writeFile(path+".pub", pair.PublicKey, 0644); err != nil {
			return "", wrap("write key file", path+".pub", err)
		}
	}
	return path, nil
}

// writeFile enforces perm even when the file already exists.
func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return err
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return nil
}
