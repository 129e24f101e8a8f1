// Package sshlogs reads and follows files on a remote host over an SSH
// connection by running tail in its own session.
//
// Each stream holds a session for its whole lifetime, so streams run beside
// the connection's command queue rather than on it.
package sshlogs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/sshfiles"
)

// DefaultLines is how many existing lines a stream starts with.
const DefaultLines = 100

// CommonPaths are the system logs looked for by Available when the caller has no
// list of its own. Debian-style and RHEL-style names are both included.
var CommonPaths = []string{
	"/var/log/syslog",
	"/var/log/messages",
	"/var/log/auth.log",
	"/var/log/secure",
	"/var/log/kern.log",
	"/var/log/dpkg.log",
}

// TailCommand builds the remote command for path. Follow mode uses -F so
// rotated files are picked up by name.
func TailCommand(path string, lines int, follow bool) string {
	if lines < 0 {
		lines = DefaultLines
	}
	cmd := fmt.Sprintf("tail -n %d", lines)
	if follow {
		cmd += " -F"
	}
	return cmd + " " + sshfiles.ShellQuote(path)
}

// Stream runs tail for path and sends each line on the returned channel. The
// channel closes when ctx is cancelled, the session ends, or, without follow,
// the file has been read.
func Stream(ctx context.Context, client *ssh.Client, path string, lines int, follow bool) (<-chan string, error) {
	if client == nil {
		return nil, errors.New("stream logs: no ssh client")
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := session.Start(TailCommand(path, lines, follow)); err != nil {
		session.Close()
		return nil, fmt.Errorf("start tail: %w", err)
	}

	ch := make(chan string, 100)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		defer close(done)
		defer session.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Printf("[sshlogs] read %s: %v", logging.Sanitize(path), err)
		}
	}()

	// Closing the session unblocks the scanner.
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	return ch, nil
}

// Available reports which of paths exist as regular files on the remote
// host, in the order given. CommonPaths is used when paths is empty.
func Available(client *ssh.Client, paths []string) ([]string, error) {
	if client == nil {
		return nil, errors.New("check log files: no ssh client")
	}
	if len(paths) == 0 {
		paths = CommonPaths
	}

	checks := make([]string, 0, len(paths))
	for _, p := range paths {
		q := sshfiles.ShellQuote(p)
		checks = append(checks, fmt.Sprintf("[ -f %s ] && echo %s", q, q))
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(strings.Join(checks, "; "))
	if err != nil {
		// The last test failing makes the compound command exit non-zero.
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("check log files: %w", err)
		}
	}
	return parseAvailable(string(out)), nil
}

func parseAvailable(out string) []string {
	var found []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			found = append(found, line)
		}
	}
	return found
}
