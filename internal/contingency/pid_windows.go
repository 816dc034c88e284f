//go:build windows

package contingency

import "os"

// processAlive is best effort on Windows: FindProcess only fails when the
// process does not exist.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
