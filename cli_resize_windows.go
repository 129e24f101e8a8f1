//go:build windows

package main

import (
	"context"

	"github.com/gluk-w/shellvault/internal/sshterminal"
)

// Windows consoles have no SIGWINCH; the initial size is kept.
func watchResize(context.Context, int, *sshterminal.Terminal) {}
