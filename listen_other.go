//go:build !linux

package sockyard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// listenTCP relies on the system default backlog.
func listenTCP(ctx context.Context, ip netip.Addr, port, _ int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", netip.AddrPortFrom(ip, uint16(port)).String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	return ln, nil
}
