package sockyard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const defaultUDPKernelBuffer int = 1 << 20

type udpSocket struct {
	m   *Manager
	rec *record
	wg  sync.WaitGroup
	// serialises datagrams so they leave in submission order.
	wlk sync.Mutex

	// guarded by rec.lk
	binding  bool
	conn     *net.UDPConn
	v4       *ipv4.PacketConn
	v6       *ipv6.PacketConn
	peer     netip.AddrPort
	groups   []netip.Addr
	ttl      int
	loopback bool
}

// Bind binds a UDP socket and starts receiving datagrams.
func (m *Manager) Bind(ctx context.Context, h Handle, address string, port int) error {
	rec, err := m.lookupKind(h, KindUDP)
	if err != nil {
		return err
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidArgument, port)
	}
	u := rec.impl.(*udpSocket)

	rec.lk.Lock()
	if rec.state != StateCreated || u.binding {
		state := rec.state
		rec.lk.Unlock()
		return fmt.Errorf("%w: can not bind from %s", ErrInvalidState, state)
	}
	u.binding = true
	rec.lk.Unlock()

	conn, err := u.bind(ctx, address, port)

	rec.lk.Lock()
	defer rec.lk.Unlock()
	u.binding = false
	if err != nil {
		m.logger.Warn("failed to bind", LabelHandle.L(h), LabelError.L(err))
		return err
	}
	if rec.state != StateCreated {
		conn.Close()
		return ErrCancelled
	}

	u.conn = conn
	if local := conn.LocalAddr().(*net.UDPAddr); local.IP.To4() != nil {
		u.v4 = ipv4.NewPacketConn(conn)
		u.ttl, _ = u.v4.MulticastTTL()
		u.loopback, _ = u.v4.MulticastLoopback()
	} else {
		u.v6 = ipv6.NewPacketConn(conn)
		u.ttl, _ = u.v6.MulticastHopLimit()
		u.loopback, _ = u.v6.MulticastLoopback()
	}
	rec.state = StateBound

	u.wg.Add(1)
	go u.runReader(conn)

	m.logger.Debug("socket bound", LabelHandle.L(h), LabelAddr.L(conn.LocalAddr().String()))
	return nil
}

func (u *udpSocket) bind(ctx context.Context, address string, port int) (*net.UDPConn, error) {
	ip, err := resolveIP(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}

	network := "udp6"
	if ip.Is4() {
		network = "udp4"
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(ctx, network, netip.AddrPortFrom(ip, uint16(port)).String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}

	conn := pc.(*net.UDPConn)
	u.negotiateBufferSize(conn, defaultUDPKernelBuffer)
	return conn, nil
}

// negotiateBufferSize halves the requested kernel buffer until it fits.
func (u *udpSocket) negotiateBufferSize(conn *net.UDPConn, requested int) {
	size := requested
	for size > 0 {
		if err := conn.SetReadBuffer(size); err != nil {
			size = size >> 1
			continue
		}
		if size != requested {
			u.m.logger.Warn("using smaller than expected UDP buffer", LabelHandle.L(u.rec.handle), "bytes", size)
		}
		u.m.msink.SetGaugeWithLabels(MetricUDPBufferSizeBytes, float32(size), u.m.labels())
		return
	}
}

// SetPeer restricts a bound UDP socket to one remote peer: sends without
// an address go to it and datagrams from anybody else are dropped.
func (m *Manager) SetPeer(ctx context.Context, h Handle, address string, port int) error {
	rec, err := m.lookupKind(h, KindUDP)
	if err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidArgument, port)
	}
	ip, err := resolveIP(ctx, address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	u := rec.impl.(*udpSocket)

	rec.lk.Lock()
	defer rec.lk.Unlock()
	if rec.state != StateBound {
		return fmt.Errorf("%w: can not set peer on a %s socket", ErrInvalidState, rec.state)
	}
	u.peer = netip.AddrPortFrom(ip, uint16(port))
	return nil
}

// SendTo sends one datagram. An empty address means the peer set by
// `SetPeer`.
func (m *Manager) SendTo(ctx context.Context, h Handle, data []byte, address string, port int) (int, error) {
	rec, err := m.lookupKind(h, KindUDP)
	if err != nil {
		return 0, err
	}
	u := rec.impl.(*udpSocket)

	rec.lk.Lock()
	state, conn, dst := rec.state, u.conn, u.peer
	rec.lk.Unlock()
	if state != StateBound {
		return 0, fmt.Errorf("%w: can not send on a %s socket", ErrInvalidState, state)
	}

	if address != "" {
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("%w: invalid port %d", ErrInvalidArgument, port)
		}
		ip, err := resolveIP(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrWrite, err)
		}
		dst = netip.AddrPortFrom(ip, uint16(port))
	} else if !dst.IsValid() {
		return 0, fmt.Errorf("%w: no address and no peer", ErrInvalidArgument)
	}

	u.wlk.Lock()
	n, err := conn.WriteToUDPAddrPort(data, dst)
	u.wlk.Unlock()
	if err != nil {
		if rec.isClosing() {
			return 0, ErrCancelled
		}
		m.msink.IncrCounterWithLabels(
			MetricSocketErrorCount,
			1.0,
			m.labels(LabelKind.M(KindUDP.String()), LabelError.M(fmt.Sprint(ResultCode(err)))),
		)
		return n, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	m.msink.IncrCounterWithLabels(MetricSocketOutBytes, float32(n), m.labels(LabelKind.M(KindUDP.String())))
	return n, nil
}

func (u *udpSocket) runReader(conn *net.UDPConn) {
	defer u.wg.Done()

	buf := make([]byte, u.rec.readBufferSize())
	for {
		if size := u.rec.readBufferSize(); size != len(buf) {
			buf = make([]byte, size)
		}

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if u.rec.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			u.m.fail(u.rec, fmt.Errorf("udp: read failed: %w", err))
			return
		}

		u.rec.lk.Lock()
		peer := u.peer
		u.rec.lk.Unlock()
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		if peer.IsValid() && peer != from {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		u.rec.events.push(Event{
			Type:    EventReceive,
			Handle:  u.rec.handle,
			Data:    data,
			Address: from.Addr().String(),
			Port:    int(from.Port()),
		})
		u.m.msink.IncrCounterWithLabels(MetricSocketInBytes, float32(n), u.m.labels(LabelKind.M(KindUDP.String())))
	}
}

func (u *udpSocket) release() error {
	u.rec.lk.Lock()
	conn := u.conn
	u.rec.lk.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	u.wg.Wait()
	return err
}

func (u *udpSocket) fillInfo(info *SocketInfo) {
	if u.conn != nil {
		info.LocalAddress, info.LocalPort = splitAddr(u.conn.LocalAddr())
	}
	if u.peer.IsValid() {
		info.PeerAddress = u.peer.Addr().String()
		info.PeerPort = int(u.peer.Port())
	}
	info.MulticastTTL = u.ttl
	info.MulticastLoopback = u.loopback
}
