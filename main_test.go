package main

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/gluk-w/shellvault/internal/sshtest"
)

func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SHELLVAULT_DATA_PATH", dir)
	t.Setenv("SHELLVAULT_MASTER_KEY", "")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, strings.NewReader(stdin), &stdout, &stderr)
	if err != nil {
		t.Logf("shellvault %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), err
}

func mustRun(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, stdin, args...)
	if err != nil {
		t.Fatalf("shellvault %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestServerLifecycle(t *testing.T) {
	setupDataDir(t)

	out := mustRun(t, "s3cret\n", "server", "add", "web", "--host", "10.0.0.5", "--port", "2222", "-u", "deploy")
	if !strings.Contains(out, "added web (deploy@10.0.0.5:2222)") {
		t.Errorf("unexpected add output: %q", out)
	}

	out = mustRun(t, "", "server", "ls")
	for _, want := range []string{"web", "10.0.0.5:2222", "deploy", "password", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("server ls missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "s3cret") {
		t.Error("server ls must not print the password")
	}

	if _, err := runCLI(t, "other\n", "server", "add", "web", "--host", "10.0.0.6", "-u", "root"); err == nil {
		t.Error("expected duplicate name to be rejected")
	}

	mustRun(t, "", "server", "rm", "web")
	out = mustRun(t, "", "server", "ls")
	if !strings.Contains(out, "No servers configured.") {
		t.Errorf("expected empty inventory, got:\n%s", out)
	}
}

func TestServerAdd_Invalid(t *testing.T) {
	setupDataDir(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{"missing host", "pw\n", []string{"server", "add", "web", "-u", "deploy"}},
		{"empty password", "\n", []string{"server", "add", "web", "--host", "h", "-u", "deploy"}},
		{"bad port", "pw\n", []string{"server", "add", "web", "--host", "h", "-u", "deploy", "--port", "70000"}},
		{"missing key", "", []string{"server", "add", "web", "--host", "h", "-u", "deploy", "--key", "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCLI(t, tt.stdin, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	out := mustRun(t, "", "server", "ls")
	if !strings.Contains(out, "No servers configured.") {
		t.Errorf("failed adds must not leave inventory entries:\n%s", out)
	}
}

func TestKeyCommands(t *testing.T) {
	setupDataDir(t)

	pub := mustRun(t, "", "key", "gen", "deploy")
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Errorf("key gen should print the public key, got %q", pub)
	}

	out := mustRun(t, "", "key", "ls")
	for _, want := range []string{"deploy", "ssh-ed25519", "SHA256:"} {
		if !strings.Contains(out, want) {
			t.Errorf("key ls missing %q:\n%s", want, out)
		}
	}

	path := strings.TrimSpace(mustRun(t, "", "key", "path", "deploy"))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key path %q: %v", path, err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}

	mustRun(t, "", "key", "rm", "deploy")
	if _, err := runCLI(t, "", "key", "path", "deploy"); err == nil {
		t.Error("expected key path to fail after rm")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("private key file should be removed, stat err = %v", err)
	}
}

func TestKeyAdd_DerivesPublicKey(t *testing.T) {
	setupDataDir(t)

	mustRun(t, "", "key", "gen", "src")
	path := strings.TrimSpace(mustRun(t, "", "key", "path", "src"))

	mustRun(t, "", "key", "add", "copy", path)
	out := mustRun(t, "", "key", "ls")
	if !strings.Contains(out, "copy") {
		t.Fatalf("imported key missing from key ls:\n%s", out)
	}
}

func addTestServer(t *testing.T, srv *sshtest.Server, name, password string) {
	t.Helper()
	host, port := srv.HostPort()
	mustRun(t, password+"\n", "server", "add", name, "--host", host, "--port", strconv.Itoa(port), "-u", "deploy")
}

func echoExec(cmd string) (string, string, int) {
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return rest + "\n", "", 0
	}
	return "", cmd + ": command not found\n", 127
}

func TestExec(t *testing.T) {
	setupDataDir(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", Exec: echoExec})
	addTestServer(t, srv, "web", "pw")

	out := mustRun(t, "", "exec", "web", "--", "echo", "hello")
	if out != "hello\n" {
		t.Errorf("exec output = %q, want %q", out, "hello\n")
	}

	if _, err := runCLI(t, "", "exec", "web", "--", "missing-binary"); err == nil {
		t.Error("expected failing command to return an error")
	}

	out = mustRun(t, "", "server", "ls")
	if strings.Contains(out, "never") {
		t.Errorf("last connected should be recorded after exec:\n%s", out)
	}

	out = mustRun(t, "", "audit", "--server", "web", "--type", "command_executed")
	if !strings.Contains(out, "echo hello") {
		t.Errorf("audit should list the executed command:\n%s", out)
	}
}

func TestExec_MultipleServers(t *testing.T) {
	setupDataDir(t)
	a := sshtest.Start(t, sshtest.Options{Password: "pw-a", Exec: echoExec})
	b := sshtest.Start(t, sshtest.Options{Password: "pw-b", Exec: echoExec})
	addTestServer(t, a, "alpha", "pw-a")
	addTestServer(t, b, "beta", "pw-b")

	out := mustRun(t, "", "exec", "alpha", "beta", "--", "echo", "hi")
	want := "==> alpha <==\nhi\n==> beta <==\nhi\n"
	if out != want {
		t.Errorf("exec output = %q, want %q", out, want)
	}
}

func TestExec_Errors(t *testing.T) {
	setupDataDir(t)

	if _, err := runCLI(t, "", "exec", "web", "echo"); err == nil {
		t.Error("expected usage error without --")
	}
	if _, err := runCLI(t, "", "exec", "ghost", "--", "echo", "hi"); err == nil {
		t.Error("expected error for unknown server")
	}

	srv := sshtest.Start(t, sshtest.Options{Password: "right", Exec: echoExec})
	addTestServer(t, srv, "web", "wrong")
	if _, err := runCLI(t, "", "exec", "web", "--", "echo", "hi"); err == nil {
		t.Error("expected authentication failure")
	}
	out := mustRun(t, "", "audit", "--type", "connect_failed")
	if !strings.Contains(out, "web") {
		t.Errorf("audit should record the failed connect:\n%s", out)
	}
}

func TestLogs(t *testing.T) {
	setupDataDir(t)

	mustRun(t, "", "key", "gen", "deploy")
	out := mustRun(t, "", "logs", "-n", "50")
	if !strings.Contains(out, "[vault]") {
		t.Errorf("expected vault activity in the log tail:\n%s", out)
	}

	mustRun(t, "", "logs", "--clear")
	out = mustRun(t, "", "logs")
	if strings.Contains(out, "[vault]") {
		t.Errorf("log should be empty after --clear:\n%s", out)
	}
}

func TestTail(t *testing.T) {
	setupDataDir(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw", Exec: func(cmd string) (string, string, int) {
		if cmd == "tail -n 2 '/var/log/app.log'" {
			return "booted\nready\n", "", 0
		}
		return "", "unexpected: " + cmd + "\n", 1
	}})
	addTestServer(t, srv, "web", "pw")

	out := mustRun(t, "", "tail", "web", "/var/log/app.log", "-n", "2")
	if out != "booted\nready\n" {
		t.Errorf("tail output = %q", out)
	}

	if _, err := runCLI(t, "", "tail", "web"); err == nil {
		t.Error("expected error without a remote file")
	}
}

func TestShell_NonInteractive(t *testing.T) {
	setupDataDir(t)
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	addTestServer(t, srv, "web", "pw")

	out := mustRun(t, "uptime\n", "shell", "web")
	if out != "uptime\n" {
		t.Errorf("shell output = %q, want echoed input", out)
	}
}

func TestKeyRotate_Unused(t *testing.T) {
	setupDataDir(t)

	before := mustRun(t, "", "key", "gen", "deploy")
	out := mustRun(t, "", "key", "rotate", "deploy")
	if !strings.HasPrefix(out, "rotated deploy: SHA256:") {
		t.Errorf("unexpected rotate output %q", out)
	}

	path := strings.TrimSpace(mustRun(t, "", "key", "path", "deploy"))
	after, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatalf("read rotated public key: %v", err)
	}
	if strings.TrimSpace(string(after)) == strings.TrimSpace(before) {
		t.Error("rotate kept the old key")
	}

	if _, err := runCLI(t, "", "key", "rotate", "missing"); err == nil {
		t.Error("expected rotating an unknown key to fail")
	}
}
