//go:build unix

package sockyard

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

func errnoCode(err error) (int, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return 0, false
	}

	switch errno {
	case unix.ECONNREFUSED:
		return CodeConnectionRefused, true
	case unix.ECONNRESET, unix.EPIPE:
		return CodeConnectionReset, true
	case unix.ECONNABORTED:
		return CodeConnectionClosed, true
	case unix.EADDRINUSE:
		return CodeAddressInUse, true
	case unix.EADDRNOTAVAIL, unix.EAFNOSUPPORT:
		return CodeAddressInvalid, true
	case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ENETDOWN:
		return CodeAddressUnreachable, true
	case unix.EACCES, unix.EPERM:
		return CodeAccessDenied, true
	case unix.ETIMEDOUT:
		return CodeTimedOut, true
	case unix.EMSGSIZE:
		return CodeMessageTooBig, true
	case unix.ENOTCONN:
		return CodeNotConnected, true
	case unix.EISCONN:
		return CodeAlreadyConnected, true
	case unix.ENOBUFS, unix.ENOMEM, unix.EMFILE, unix.ENFILE:
		return CodeInsufficientRes, true
	case unix.EINVAL:
		return CodeInvalidArgument, true
	}
	return 0, false
}

// isReset reports whether the peer abruptly tore the connection down.
func isReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}
