//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

// IsAlive reports whether pid refers to a live process, signaling it with
// the null signal per the standard liveness-check idiom. EPERM means the
// process exists but is owned by someone else — still alive from our
// perspective; ESRCH means it is gone.
func IsAlive(pid int) bool {
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
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPERM
	}
	return false
}
