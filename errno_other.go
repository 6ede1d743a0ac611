//go:build !unix

package sockyard

import (
	"errors"
	"syscall"
)

func errnoCode(err error) (int, bool) {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused, true
	case errors.Is(err, syscall.ECONNRESET):
		return CodeConnectionReset, true
	case errors.Is(err, syscall.EADDRINUSE):
		return CodeAddressInUse, true
	}
	return 0, false
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET)
}
