//go:build !windows

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/gluk-w/shellvault/internal/sshterminal"
)

// watchResize forwards SIGWINCH to the remote PTY until ctx is done.
func watchResize(ctx context.Context, fd int, t *sshterminal.Terminal) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			w, h, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			if err := t.Resize(clampSize(w, sshterminal.MaxCols), clampSize(h, sshterminal.MaxRows)); err != nil {
				log.Printf("[ssh] resize terminal: %v", err)
			}
		}
	}
}
