//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// gracefulSignals are the signals that trigger graceful shutdown.
func gracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}
