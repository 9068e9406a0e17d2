//go:build !windows

package registry

import "syscall"

// closeFD closes a raw stdin-pipe file descriptor owned by a record.
func closeFD(fd int) error {
	return syscall.Close(fd)
}
