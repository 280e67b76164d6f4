//go:build windows

package commands

import (
	"errors"
	"fmt"
	"os"
)

// stopProcess interrupts the broker so it drains its sessions, or
// terminates it outright when force is set.
func stopProcess(process *os.Process, pid int, force bool) error {
	stop, how := func() error { return process.Signal(os.Interrupt) }, "interrupting"
	if force {
		stop, how = process.Kill, "terminating"
	}

	fmt.Printf("Stopping broker (pid %d): %s\n", pid, how)

	switch err := stop(); {
	case errors.Is(err, os.ErrProcessDone):
		return errProcessDone
	case err != nil:
		return fmt.Errorf("stop broker pid %d: %w", pid, err)
	}
	return nil
}
