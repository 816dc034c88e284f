//go:build !windows

package contingency

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// processAlive reports whether a process with the given pid exists. Signal 0
// performs the permission and existence checks without delivering anything;
// EPERM still means the process is there.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
