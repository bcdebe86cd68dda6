//go:build !windows

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
)

func notifySignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  SIGHUP   run an expiry sweep immediately")
	fmt.Fprintln(w, "  SIGUSR1  enable the /metrics endpoint")
	fmt.Fprintln(w, "  SIGUSR2  disable the /metrics endpoint")
}

// handleSignal reacts to a runtime signal and reports whether the server
// should keep running.
func handleSignal(sig os.Signal, logger *log.Logger, sweep func(), metrics *metricsController) bool {
	switch sig {
	case syscall.SIGHUP:
		if sweep != nil {
			sweep()
		}
		return true
	case syscall.SIGUSR1:
		if metrics != nil {
			metrics.Enable()
			logger.Printf("metrics enabled")
		}
		return true
	case syscall.SIGUSR2:
		if metrics != nil {
			metrics.Disable()
			logger.Printf("metrics disabled")
		}
		return true
	default:
		return false
	}
}
