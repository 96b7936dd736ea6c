//go:build windows

package cli

import "os"

// gracefulSignals lists the signals that trigger graceful shutdown.
// Windows has no SIGTERM, so os.Interrupt is the only signal worth
// listening for.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
