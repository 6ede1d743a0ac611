package sockyard

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
)

// JoinGroup subscribes a bound UDP socket to a multicast group. Joining a
// group twice is a no-op.
func (m *Manager) JoinGroup(h Handle, group string) error {
	rec, u, err := m.bound(h)
	if err != nil {
		return err
	}
	ip, err := parseGroup(group)
	if err != nil {
		return err
	}

	rec.lk.Lock()
	defer rec.lk.Unlock()
	if slices.Contains(u.groups, ip) {
		return nil
	}

	g := &net.UDPAddr{IP: ip.AsSlice()}
	if u.v4 != nil {
		if !ip.Is4() {
			return fmt.Errorf("%w: %s is not an ipv4 group", ErrMulticast, ip)
		}
		err = u.v4.JoinGroup(nil, g)
	} else {
		err = u.v6.JoinGroup(nil, g)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMulticast, err)
	}

	u.groups = append(u.groups, ip)
	m.logger.Debug("multicast group joined", LabelHandle.L(h), LabelGroup.L(ip.String()))
	return nil
}

// LeaveGroup unsubscribes a UDP socket from a multicast group. Leaving a
// group which was not joined is a no-op.
func (m *Manager) LeaveGroup(h Handle, group string) error {
	rec, u, err := m.bound(h)
	if err != nil {
		return err
	}
	ip, err := parseGroup(group)
	if err != nil {
		return err
	}

	rec.lk.Lock()
	defer rec.lk.Unlock()
	idx := slices.Index(u.groups, ip)
	if idx < 0 {
		return nil
	}

	g := &net.UDPAddr{IP: ip.AsSlice()}
	if u.v4 != nil {
		err = u.v4.LeaveGroup(nil, g)
	} else {
		err = u.v6.LeaveGroup(nil, g)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMulticast, err)
	}

	u.groups = slices.Delete(u.groups, idx, idx+1)
	m.logger.Debug("multicast group left", LabelHandle.L(h), LabelGroup.L(ip.String()))
	return nil
}

// SetMulticastTimeToLive sets the TTL (hop limit for IPv6) of the
// multicast datagrams sent afterwards.
func (m *Manager) SetMulticastTimeToLive(h Handle, ttl int) error {
	if ttl < 0 || ttl > 255 {
		return fmt.Errorf("%w: invalid ttl %d", ErrInvalidArgument, ttl)
	}
	rec, u, err := m.bound(h)
	if err != nil {
		return err
	}

	rec.lk.Lock()
	defer rec.lk.Unlock()
	if u.v4 != nil {
		err = u.v4.SetMulticastTTL(ttl)
	} else {
		err = u.v6.SetMulticastHopLimit(ttl)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMulticast, err)
	}
	u.ttl = ttl
	return nil
}

// SetMulticastLoopbackMode controls whether multicast datagrams sent by
// this host are looped back to its own sockets.
func (m *Manager) SetMulticastLoopbackMode(h Handle, enabled bool) error {
	rec, u, err := m.bound(h)
	if err != nil {
		return err
	}

	rec.lk.Lock()
	defer rec.lk.Unlock()
	if u.v4 != nil {
		err = u.v4.SetMulticastLoopback(enabled)
	} else {
		err = u.v6.SetMulticastLoopback(enabled)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMulticast, err)
	}
	u.loopback = enabled
	return nil
}

// GetJoinedGroups returns the joined groups in the order they were joined.
func (m *Manager) GetJoinedGroups(h Handle) ([]string, error) {
	rec, err := m.lookupKind(h, KindUDP)
	if err != nil {
		return nil, err
	}
	u := rec.impl.(*udpSocket)

	rec.lk.Lock()
	defer rec.lk.Unlock()
	groups := make([]string, 0, len(u.groups))
	for _, g := range u.groups {
		groups = append(groups, g.String())
	}
	return groups, nil
}

// bound returns a UDP socket which is Bound.
func (m *Manager) bound(h Handle) (*record, *udpSocket, error) {
	rec, err := m.lookupKind(h, KindUDP)
	if err != nil {
		return nil, nil, err
	}

	rec.lk.Lock()
	state := rec.state
	rec.lk.Unlock()
	if state != StateBound {
		return nil, nil, fmt.Errorf("%w: multicast requires a bound socket, not %s", ErrInvalidState, state)
	}
	return rec, rec.impl.(*udpSocket), nil
}

func parseGroup(group string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(group)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrMulticast, err)
	}
	ip = ip.Unmap()
	if !ip.IsMulticast() {
		return netip.Addr{}, fmt.Errorf("%w: %s is not a multicast address", ErrMulticast, ip)
	}
	return ip, nil
}
