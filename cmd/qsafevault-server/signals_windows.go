//go:build windows

package main

import (
	"fmt"
	"io"
	"log"
	"os"
)

func notifySignals() []os.Signal {
	// Windows has no SIGHUP or SIGUSR equivalents.
	return []os.Signal{os.Interrupt}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  CTRL+C   shut down")
}

// handleSignal reports whether the server should keep running. There are no
// runtime toggles on Windows; any delivered signal shuts the server down.
func handleSignal(_ os.Signal, _ *log.Logger, _ func(), _ *metricsController) bool {
	return false
}
