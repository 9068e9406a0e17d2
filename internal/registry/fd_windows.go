//go:build windows

package registry

// closeFD is a no-op on windows; this daemon's /bin/bash exec model
// assumes a POSIX host.
func closeFD(fd int) error {
	return nil
}
