//go:build windows

package cmd

import "os"

func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// reloadSignals is empty: Windows has no SIGHUP. Use POST /v1/policy/reload.
func reloadSignals() []os.Signal {
	return nil
}
