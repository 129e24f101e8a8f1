package vault

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/gluk-w/shellvault/internal/crypto"
	"github.com/gluk-w/shellvault/internal/database"
	"github.com/gluk-w/shellvault/internal/secretstore"
	"github.com/gluk-w/shellvault/internal/server"
	"github.com/gluk-w/shellvault/internal/sshkeys"
)

func newTestVault(t *testing.T) (*Vault, string) {
	t.Helper()
	keyDir := filepath.Join(t.TempDir(), "ssh_keys")
	return New(secretstore.NewMemory(), keyDir), keyDir
}

// failingStore rejects every operation.
type failingStore struct{}

var errStore = errors.New("store unavailable")

func (failingStore) Get(string) ([]byte, bool, error) { return nil, false, errStore }
func (failingStore) Set(string, []byte) error         { return errStore }
func (failingStore) Delete(string) error              { return errStore }
func (failingStore) Keys(string) ([]string, error)    { return nil, errStore }

func TestServerCredentials_Password(t *testing.T) {
	v, _ := newTestVault(t)
	srv := server.New("db", "db.example.com", "root", server.PasswordAuth{Password: "s3cret"})

	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatalf("SaveServerCredentials: %v", err)
	}
	creds, err := v.LoadServerCredentials(srv.ID)
	if err != nil {
		t.Fatalf("LoadServerCredentials: %v", err)
	}
	if creds == nil || creds.Password == nil || *creds.Password != "s3cret" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if creds.KeyName != nil {
		t.Errorf("password credentials should not carry a key name")
	}
	if creds.ServerID != srv.ID {
		t.Errorf("ServerID = %s, want %s", creds.ServerID, srv.ID)
	}
}

func TestServerCredentials_KeyPathReducedToName(t *testing.T) {
	v, _ := newTestVault(t)
	srv := server.New("web", "web", "deploy", server.KeyAuth{KeyName: "/home/me/.ssh/id_deploy", Passphrase: "pp"})

	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatalf("SaveServerCredentials: %v", err)
	}
	creds, err := v.LoadServerCredentials(srv.ID)
	if err != nil || creds == nil {
		t.Fatalf("LoadServerCredentials: %+v, %v", creds, err)
	}
	if creds.KeyName == nil || *creds.KeyName != "id_deploy" {
		t.Errorf("KeyName = %v, want id_deploy", creds.KeyName)
	}
	if creds.Password != nil {
		t.Errorf("key credentials should not carry a password")
	}
	if creds.Passphrase != "pp" {
		t.Errorf("Passphrase = %q", creds.Passphrase)
	}
}

func TestServerCredentials_OverwriteAndDelete(t *testing.T) {
	v, _ := newTestVault(t)
	srv := server.New("db", "db", "root", server.PasswordAuth{Password: "one"})
	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatal(err)
	}
	srv.Auth = server.KeyAuth{KeyName: "k"}
	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatal(err)
	}
	creds, _ := v.LoadServerCredentials(srv.ID)
	if creds.Password != nil || creds.KeyName == nil {
		t.Errorf("overwrite kept stale fields: %+v", creds)
	}

	if err := v.DeleteServerCredentials(srv.ID); err != nil {
		t.Fatalf("DeleteServerCredentials: %v", err)
	}
	if err := v.DeleteServerCredentials(srv.ID); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	creds, err := v.LoadServerCredentials(srv.ID)
	if err != nil || creds != nil {
		t.Errorf("LoadServerCredentials after delete = %+v, %v; want nil, nil", creds, err)
	}
}

func TestLoadServerCredentials_Missing(t *testing.T) {
	v, _ := newTestVault(t)
	creds, err := v.LoadServerCredentials(uuid.New())
	if err != nil || creds != nil {
		t.Errorf("got %+v, %v; want nil, nil", creds, err)
	}
}

func TestStoreFailuresAreVaultErrors(t *testing.T) {
	v := New(failingStore{}, t.TempDir())
	srv := server.New("db", "db", "root", server.PasswordAuth{Password: "x"})

	checks := map[string]error{
		"save":   v.SaveServerCredentials(srv),
		"delete": v.DeleteServerCredentials(srv.ID),
	}
	_, checks["load"] = v.LoadServerCredentials(srv.ID)
	_, checks["list"] = v.ListSSHKeys()
	_, checks["savekey"] = v.SaveSSHKey([]byte("k"), nil, "k")

	for name, err := range checks {
		if !errors.Is(err, ErrVault) {
			t.Errorf("%s: expected ErrVault, got %v", name, err)
		}
		if !errors.Is(err, errStore) {
			t.Errorf("%s: cause not preserved: %v", name, err)
		}
		var vErr *Error
		if !errors.As(err, &vErr) || vErr.Op == "" {
			t.Errorf("%s: expected *Error with Op, got %#v", name, err)
		}
	}
}

func TestCorruptEntryIsVaultError(t *testing.T) {
	store := secretstore.NewMemory()
	v := New(store, t.TempDir())
	id := uuid.New()
	store.Set("server."+id.String(), []byte("{not json"))

	_, err := v.LoadServerCredentials(id)
	if !errors.Is(err, ErrVault) {
		t.Errorf("expected ErrVault for corrupt entry, got %v", err)
	}
}

func TestSSHKey_RoundTripAndDelete(t *testing.T) {
	v, keyDir := newTestVault(t)
	pub, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	path, err := v.SaveSSHKey(priv, pub, "deploy")
	if err != nil {
		t.Fatalf("SaveSSHKey: %v", err)
	}
	if path != filepath.Join(keyDir, "deploy") {
		t.Errorf("path = %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %o, want 0600", info.Mode().Perm())
	}
	dirInfo, _ := os.Stat(keyDir)
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("key dir mode = %o, want 0700", dirInfo.Mode().Perm())
	}
	onDisk, _ := os.ReadFile(path + ".pub")
	if string(onDisk) != string(pub) {
		t.Errorf("public key file mismatch")
	}

	pair, err := v.LoadSSHKey("deploy")
	if err != nil || pair == nil {
		t.Fatalf("LoadSSHKey: %+v, %v", pair, err)
	}
	if string(pair.PrivateKey) != string(priv) || string(pair.PublicKey) != string(pub) {
		t.Error("key bytes did not round-trip")
	}
	if pair.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if err := v.DeleteSSHKey("deploy"); err != nil {
		t.Fatalf("DeleteSSHKey: %v", err)
	}
	pair, err = v.LoadSSHKey("deploy")
	if err != nil || pair != nil {
		t.Errorf("LoadSSHKey after delete = %+v, %v", pair, err)
	}
	for _, p := range []string{path, path + ".pub"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after delete", p)
		}
	}
	if err := v.DeleteSSHKey("deploy"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
}

func TestSSHKey_WithoutPublicKey(t *testing.T) {
	v, _ := newTestVault(t)
	path, err := v.SaveSSHKey([]byte("private"), nil, "nopub")
	if err != nil {
		t.Fatalf("SaveSSHKey: %v", err)
	}
	if _, err := os.Stat(path + ".pub"); !os.IsNotExist(err) {
		t.Error("public key file written without a public key")
	}
	pair, _ := v.LoadSSHKey("nopub")
	if pair == nil || pair.PublicKey != nil {
		t.Errorf("unexpected pair: %+v", pair)
	}
}

func TestListSSHKeys_OnlyKeyNamespace(t *testing.T) {
	v, _ := newTestVault(t)
	if err := v.SaveServerCredentials(server.New("db", "db", "root", server.PasswordAuth{Password: "x"})); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b", "a.key"} {
		if _, err := v.SaveSSHKey([]byte("k"), nil, name); err != nil {
			t.Fatal(err)
		}
	}

	names, err := v.ListSSHKeys()
	if err != nil {
		t.Fatalf("ListSSHKeys: %v", err)
	}
	if strings.Join(names, ",") != "a_key,b" {
		t.Errorf("ListSSHKeys = %v", names)
	}
}

func TestSanitizeKeyName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"my/key.name 1", "my_key_name_1"},
		{"../../etc/passwd", "______etc_passwd"},
		{`win\path`, "win_path"},
		{"plain-name", "plain-name"},
		{"", "_"},
	}
	for _, tt := range tests {
		got := SanitizeKeyName(tt.in)
		if got != tt.want {
			t.Errorf("SanitizeKeyName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if strings.ContainsAny(got, "/. \\") {
			t.Errorf("SanitizeKeyName(%q) = %q contains unsafe characters", tt.in, got)
		}
	}
}

func TestSaveSSHKey_SanitizesPath(t *testing.T) {
	v, keyDir := newTestVault(t)
	path, err := v.SaveSSHKey([]byte("k"), nil, "../escape")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != keyDir {
		t.Errorf("key written outside key dir: %s", path)
	}
}

func TestKeyFile_RegeneratesMirror(t *testing.T) {
	v, _ := newTestVault(t)
	pub, priv, _ := sshkeys.GenerateKeyPair()
	path, err := v.SaveSSHKey(priv, pub, "deploy")
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(path)
	os.Remove(path + ".pub")

	got, err := v.KeyFile("deploy")
	if err != nil {
		t.Fatalf("KeyFile: %v", err)
	}
	if got != path {
		t.Errorf("KeyFile = %q, want %q", got, path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(priv) {
		t.Error("regenerated mirror does not match vault entry")
	}

	missing, err := v.KeyFile("unknown")
	if err != nil || missing != "" {
		t.Errorf("KeyFile(unknown) = %q, %v", missing, err)
	}
}

func TestGenerateAndDescribeSSHKeys(t *testing.T) {
	v, _ := newTestVault(t)
	_, pub, err := v.GenerateSSHKey("gen")
	if err != nil {
		t.Fatalf("GenerateSSHKey: %v", err)
	}
	if _, _, err := v.GenerateSSHKey("gen"); !errors.Is(err, ErrVault) {
		t.Errorf("expected error generating over an existing key, got %v", err)
	}

	infos, err := v.DescribeSSHKeys()
	if err != nil {
		t.Fatalf("DescribeSSHKeys: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 key, got %d", len(infos))
	}
	want, _ := sshkeys.GetPublicKeyFingerprint(pub)
	if infos[0].Fingerprint != want || infos[0].Algorithm != "ssh-ed25519" || infos[0].Encrypted {
		t.Errorf("unexpected info: %+v", infos[0])
	}
}

func TestVaultOverDBStore(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close(db)
	key, err := crypto.LoadOrCreateKey(filepath.Join(dir, "master.key"))
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	v := New(secretstore.NewDBStore(db, sealer), filepath.Join(dir, "keys"))
	srv := server.New("db", "db", "root", server.PasswordAuth{Password: "pw"})
	if err := v.SaveServerCredentials(srv); err != nil {
		t.Fatal(err)
	}
	creds, err := v.LoadServerCredentials(srv.ID)
	if err != nil || creds == nil || *creds.Password != "pw" {
		t.Fatalf("round-trip through DB store failed: %+v, %v", creds, err)
	}
}

func TestSaveSSHKey_MirrorFailureKeepsVaultConsistent(t *testing.T) {
	v, keyDir := newTestVault(t)

	// A regular file where the key directory should be makes every mirror
	// write fail.
	if err := os.WriteFile(keyDir, []byte("not a directory"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := v.SaveSSHKey([]byte("first"), nil, "deploy"); err == nil {
		t.Fatal("expected the mirror failure to be reported")
	}
	if pair, err := v.LoadSSHKey("deploy"); err != nil || pair != nil {
		t.Fatalf("failed save left an entry behind: %+v, %v", pair, err)
	}

	if err := os.Remove(keyDir); err != nil {
		t.Fatal(err)
	}
	if _, err := v.SaveSSHKey([]byte("first"), nil, "deploy"); err != nil {
		t.Fatalf("SaveSSHKey: %v", err)
	}
	if err := os.RemoveAll(keyDir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyDir, []byte("not a directory"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := v.SaveSSHKey([]byte("second"), nil, "deploy"); err == nil {
		t.Fatal("expected the mirror failure to be reported")
	}
	pair, err := v.LoadSSHKey("deploy")
	if err != nil || pair == nil {
		t.Fatalf("LoadSSHKey after failed overwrite: %+v, %v", pair, err)
	}
	if string(pair.PrivateKey) != "first" {
		t.Errorf("failed overwrite replaced the key: %q", pair.PrivateKey)
	}
}
