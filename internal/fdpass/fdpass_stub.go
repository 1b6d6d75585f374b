//go:build !linux && !darwin

package fdpass

import "errors"

// ErrUnsupported indicates fd inheritance is not available on this platform.
var ErrUnsupported = errors.New("fdpass: not supported on this platform")

// ClearCloexec is not supported on this platform.
func ClearCloexec(fd int) error {
	return ErrUnsupported
}

// Exec is not supported on this platform.
func Exec(argv0 string, argv, env []string) error {
	return ErrUnsupported
}
