//go:build !unix

package sockyard

import (
	"syscall"
)

func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
