package util

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals that stop the capture node.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// GracefulSignal asks a child process to stop so it can flush its output.
func GracefulSignal(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
