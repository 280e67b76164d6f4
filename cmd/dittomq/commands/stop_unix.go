//go:build !windows

package commands

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// stopProcess signals the broker. SIGTERM lets it drain sessions and sync
// the journal; SIGKILL skips both and leaves recovery to the next start.
func stopProcess(process *os.Process, pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	fmt.Printf("Signalling broker (pid %d) with %s\n", pid, sig)

	switch err := process.Signal(sig); {
	case errors.Is(err, os.ErrProcessDone):
		return errProcessDone
	case err != nil:
		return fmt.Errorf("signal broker pid %d: %w", pid, err)
	}
	return nil
}
