package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrTransferStalled means a copy moved no data for its idle timeout.
var ErrTransferStalled = errors.New("transfer stalled")

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Progress is a point-in-time view of a running copy.
type Progress struct {
	Transferred int64
	Total       int64
}

// Fraction is the completed share in [0, 1]. An unknown total reports 0.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	if p.Transferred >= p.Total {
		return 1
	}
	return float64(p.Transferred) / float64(p.Total)
}

// Options tunes a single transfer.
type Options struct {
	// ID names the transfer. Zero picks a fresh one.
	ID uuid.UUID
	// IdleTimeout aborts a copy that moves no data for this long. Zero
	// disables it.
	IdleTimeout time.Duration
	// OnProgress runs on the copying goroutine after every chunk.
	OnProgress func(Progress)
}

// Transfer reports the outcome of one file copy.
type Transfer struct {
	ID               uuid.UUID
	Direction        Direction
	LocalPath        string
	RemotePath       string
	TotalBytes       int64
	TransferredBytes int64
	Status           TransferStatus
	StartedAt        time.Time
	CompletedAt      time.Time
	Error            string
}

func newTransfer(opts Options, dir Direction, localPath, remotePath string) *Transfer {
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Transfer{ID: id, Direction: dir, LocalPath: localPath, RemotePath: remotePath, StartedAt: time.Now().UTC()}
}

// Progress is the completed fraction in [0, 1].
func (t *Transfer) Progress() float64 {
	if t.TotalBytes <= 0 {
		if t.Status == TransferCompleted {
			return 1
		}
		return 0
	}
	return Progress{Transferred: t.TransferredBytes, Total: t.TotalBytes}.Fraction()
}

func (t *Transfer) String() string {
	return fmt.Sprintf("%s %s: %s / %s (%s)", t.Direction, t.RemotePath,
		units.HumanSize(float64(t.TransferredBytes)), units.HumanSize(float64(t.TotalBytes)), t.Status)
}

func (t *Transfer) finish(err error) (*Transfer, error) {
	t.CompletedAt = time.Now().UTC()
	if err != nil {
		t.Status = TransferFailed
		t.Error = err.Error()
		log.Printf("[sshfiles] %s %s failed after %s: %v", t.Direction, t.RemotePath, t.CompletedAt.Sub(t.StartedAt), err)
		return t, err
	}
	t.Status = TransferCompleted
	log.Printf("[sshfiles] %s %s (%d bytes) completed in %s", t.Direction, t.RemotePath, t.TransferredBytes, t.CompletedAt.Sub(t.StartedAt))
	return t, nil
}

// Upload copies localPath to remotePath, keeping the file mode. The copy
// stops when ctx ends or when it stalls past opts.IdleTimeout.
func Upload(ctx context.Context, client *ssh.Client, localPath, remotePath string, opts Options) (*Transfer, error) {
	t := newTransfer(opts, DirectionUpload, localPath, remotePath)

	sc, stop, err := openSFTP(client)
	if err != nil {
		return t.finish(err)
	}
	defer stop.Close()
	defer sc.Close()
	return t.finish(upload(ctx, sc, stop, t, opts))
}

func upload(ctx context.Context, sc *sftp.Client, stop io.Closer, t *Transfer, opts Options) error {
	src, err := os.Open(t.LocalPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", t.LocalPath)
	}
	t.TotalBytes = info.Size()

	dst, err := sc.Create(t.RemotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	t.TransferredBytes, err = copyGuarded(ctx, dst, src, stop, t.TotalBytes, opts)
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close remote file: %w", cerr)
	}
	if err != nil {
		return fmt.Errorf("copy to remote: %w", err)
	}
	if err := sc.Chmod(t.RemotePath, info.Mode().Perm()); err != nil {
		log.Printf("[sshfiles] chmod %s: %v", t.RemotePath, err)
	}
	return nil
}

// Download copies remotePath to localPath, keeping the file mode. It stops
// under the same conditions as Upload.
func Download(ctx context.Context, client *ssh.Client, remotePath, localPath string, opts Options) (*Transfer, error) {
	t := newTransfer(opts, DirectionDownload, localPath, remotePath)

	sc, stop, err := openSFTP(client)
	if err != nil {
		return t.finish(err)
	}
	defer stop.Close()
	defer sc.Close()
	return t.finish(download(ctx, sc, stop, t, opts))
}

func download(ctx context.Context, sc *sftp.Client, stop io.Closer, t *Transfer, opts Options) error {
	src, err := sc.Open(t.RemotePath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat remote file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", t.RemotePath)
	}
	t.TotalBytes = info.Size()

	dst, err := os.OpenFile(t.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	t.TransferredBytes, err = copyGuarded(ctx, dst, src, stop, t.TotalBytes, opts)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("copy from remote: %w", err)
	}
	return nil
}

// openSFTP runs the sftp subsystem on a session of its own. Closing the
// returned closer tears that session down, which unblocks any request still
// waiting on the server.
func openSFTP(client *ssh.Client) (*sftp.Client, io.Closer, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	stop := closerFunc(sync.OnceValue(session.Close))

	w, err := session.StdinPipe()
	if err != nil {
		stop.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	r, err := session.StdoutPipe()
	if err != nil {
		stop.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		stop.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	sc, err := sftp.NewClientPipe(r, w)
	if err != nil {
		stop.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	return sc, stop, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// copyGuarded copies src to dst, reporting progress as it goes. When ctx
// ends or no data moves for opts.IdleTimeout it closes stop, which must
// unblock whichever side is stuck, and returns the reason.
func copyGuarded(ctx context.Context, dst io.Writer, src io.Reader, stop io.Closer, total int64, opts Options) (int64, error) {
	pw := &progressWriter{w: dst, total: total, onProgress: opts.OnProgress}
	pw.lastWrite.Store(time.Now().UnixNano())

	var reason error
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		var tick <-chan time.Time
		if opts.IdleTimeout > 0 {
			ticker := time.NewTicker(max(opts.IdleTimeout/4, 10*time.Millisecond))
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				reason = ctx.Err()
			case <-tick:
				if pw.idle() < opts.IdleTimeout {
					continue
				}
				reason = fmt.Errorf("%w: no data for %s", ErrTransferStalled, opts.IdleTimeout)
			}
			stop.Close()
			return
		}
	}()

	_, err := io.Copy(pw, src)
	close(done)
	<-exited
	if reason != nil {
		err = reason
	}
	return pw.written.Load(), err
}

type progressWriter struct {
	w          io.Writer
	total      int64
	written    atomic.Int64
	lastWrite  atomic.Int64
	onProgress func(Progress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		written := p.written.Add(int64(n))
		p.lastWrite.Store(time.Now().UnixNano())
		if p.onProgress != nil {
			p.onProgress(Progress{Transferred: written, Total: p.total})
		}
	}
	return n, err
}

func (p *progressWriter) idle() time.Duration {
	return time.Since(time.Unix(0, p.lastWrite.Load()))
}
