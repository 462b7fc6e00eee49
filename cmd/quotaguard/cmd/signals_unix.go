//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
func gracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignals returns the signals that trigger a policy reload.
func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
