//go:build linux || darwin

// Package fdpass manipulates file descriptor inheritance across exec.
package fdpass

import "golang.org/x/sys/unix"

// ClearCloexec marks fd as inheritable across exec.
func ClearCloexec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0)
	return err
}

// Exec replaces the current process image, keeping the PID and any
// descriptors not marked close-on-exec.
func Exec(argv0 string, argv, env []string) error {
	return unix.Exec(argv0, argv, env)
}
