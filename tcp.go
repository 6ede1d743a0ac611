package sockyard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SecureOptions tunes the TLS upgrade of a TCP client. Versions are one
// of "tls1", "tls1.1", "tls1.2" or "tls1.3", empty means the default.
type SecureOptions struct {
	MinVersion string
	MaxVersion string
}

type writeOp struct {
	ctx    context.Context
	data   []byte
	secure *tls.Config
	done   chan writeResult
}

type writeResult struct {
	n   int
	err error
	// skipped is set when the op was abandoned before touching the conn.
	skipped bool
}

type tcpConn struct {
	m   *Manager
	rec *record

	// writes and the TLS upgrade are serialised by the writer goroutine.
	writeCh    chan *writeOp
	writerDone chan struct{}
	// upgrading parks the reader at the next read deadline.
	upgrading atomic.Bool
	wg        sync.WaitGroup

	// guarded by rec.lk
	host       string
	conn       net.Conn
	readerDone chan struct{}
	tlsState   TLSState
	cancelDial context.CancelFunc
	opts       tcpOptions
}

type tcpOptions struct {
	noDelaySet     bool
	noDelay        bool
	keepAliveSet   bool
	keepAlive      bool
	keepAliveDelay time.Duration
}

func newTCPConn(m *Manager, rec *record) *tcpConn {
	return &tcpConn{
		m:       m,
		rec:     rec,
		writeCh: make(chan *writeOp, 64),
	}
}

// Connect establishes the connection of a TCP client. It returns once the
// connection is established.
func (m *Manager) Connect(ctx context.Context, h Handle, host string, port int) error {
	rec, err := m.lookupKind(h, KindTCP)
	if err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidArgument, port)
	}
	c := rec.impl.(*tcpConn)

	rec.lk.Lock()
	switch rec.state {
	case StateConnecting, StateConnected:
		rec.lk.Unlock()
		return ErrAlreadyConnected
	case StateCreated:
	default:
		rec.lk.Unlock()
		return fmt.Errorf("%w: can not connect from %s", ErrInvalidState, rec.state)
	}
	rec.state = StateConnecting
	dialCtx, cancel := context.WithTimeout(ctx, m.config.dialTimeout)
	defer cancel()
	c.cancelDial = cancel
	c.host = host
	rec.lk.Unlock()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))

	rec.lk.Lock()
	defer rec.lk.Unlock()
	c.cancelDial = nil
	if rec.state != StateConnecting {
		// The socket was closed while we were dialing.
		if conn != nil {
			conn.Close()
		}
		return fmt.Errorf("%w: connect to %s", ErrCancelled, host)
	}
	if err != nil {
		rec.state = StateCreated
		m.msink.IncrCounterWithLabels(
			MetricSocketErrorCount,
			1.0,
			m.labels(LabelKind.M(KindTCP.String()), LabelError.M(fmt.Sprint(ResultCode(err)))),
		)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.attach(conn)
	m.logger.Debug("socket connected", LabelHandle.L(h), LabelPeerAddr.L(conn.RemoteAddr().String()))
	return nil
}

// attach must be called with the record lock held.
func (c *tcpConn) attach(conn net.Conn) {
	c.conn = conn
	c.applyOptions()
	c.rec.state = StateConnected
	c.readerDone = make(chan struct{})
	c.writerDone = make(chan struct{})

	c.wg.Add(2)
	go c.runWriter()
	go c.runReader(conn, c.readerDone)
}

// Send queues data on the connection and waits until it is fully written.
// Sends on the same socket are written in the order they were queued.
func (m *Manager) Send(ctx context.Context, h Handle, data []byte) (int, error) {
	rec, err := m.lookupKind(h, KindTCP)
	if err != nil {
		return 0, err
	}
	c := rec.impl.(*tcpConn)

	rec.lk.Lock()
	connected := rec.state == StateConnected
	writerDone := c.writerDone
	rec.lk.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	op := &writeOp{ctx: ctx, data: data, done: make(chan writeResult, 1)}
	select {
	case c.writeCh <- op:
	case <-rec.closing:
		return 0, ErrCancelled
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case res := <-op.done:
		return res.n, res.err
	case <-writerDone:
		select {
		case res := <-op.done:
			return res.n, res.err
		default:
			return 0, ErrCancelled
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Secure upgrades a connected plaintext socket to TLS. Data sent before
// the call is written in plaintext, data sent after is encrypted. A failed
// handshake raises a terminal `EventReceiveError` and closes the socket.
func (m *Manager) Secure(ctx context.Context, h Handle, opts SecureOptions) error {
	rec, err := m.lookupKind(h, KindTCP)
	if err != nil {
		return err
	}
	c := rec.impl.(*tcpConn)

	rec.lk.Lock()
	if rec.state != StateConnected || c.tlsState != TLSPlainText {
		state, tlsState := rec.state, c.tlsState
		rec.lk.Unlock()
		return fmt.Errorf("%w: can not secure a %s socket in %s", ErrInvalidState, state, tlsState)
	}
	cfg, err := c.tlsConfig(opts)
	if err != nil {
		rec.lk.Unlock()
		return err
	}
	c.tlsState = TLSUpgrading
	writerDone := c.writerDone
	rec.lk.Unlock()

	op := &writeOp{ctx: ctx, secure: cfg, done: make(chan writeResult, 1)}
	var res writeResult
	select {
	case c.writeCh <- op:
		select {
		case res = <-op.done:
		case <-writerDone:
			select {
			case res = <-op.done:
			default:
				res.err = ErrCancelled
			}
		}
	case <-rec.closing:
		res.err = ErrCancelled
	case <-ctx.Done():
		res = writeResult{err: ctx.Err(), skipped: true}
	}

	if res.skipped {
		rec.lk.Lock()
		if c.tlsState == TLSUpgrading {
			c.tlsState = TLSPlainText
		}
		rec.lk.Unlock()
		return res.err
	}
	if res.err != nil {
		if rec.isClosing() {
			if errors.Is(res.err, ErrCancelled) {
				return res.err
			}
			return fmt.Errorf("%w: %w", ErrCancelled, res.err)
		}
		m.msink.IncrCounterWithLabels(MetricTLSUpgradeErrorCount, 1.0, m.labels())
		m.logger.Warn("tls upgrade failed", LabelHandle.L(h), LabelError.L(res.err))
		m.terminate(rec, res.err)
		m.closeRecord(rec)
		return res.err
	}

	m.msink.IncrCounterWithLabels(MetricTLSUpgradeCount, 1.0, m.labels())
	m.logger.Debug("socket secured", LabelHandle.L(h))
	return nil
}

// SetKeepAlive enables TCP keep-alive probes, a zero delay keeps the
// system default. It is applied on connect if the socket is not connected.
func (m *Manager) SetKeepAlive(h Handle, enable bool, delay time.Duration) error {
	rec, err := m.lookupKind(h, KindTCP)
	if err != nil {
		return err
	}
	c := rec.impl.(*tcpConn)

	rec.lk.Lock()
	defer rec.lk.Unlock()
	c.opts.keepAliveSet = true
	c.opts.keepAlive = enable
	c.opts.keepAliveDelay = delay
	return c.applyOptions()
}

// SetNoDelay toggles Nagle's algorithm. It is applied on connect if the
// socket is not connected.
func (m *Manager) SetNoDelay(h Handle, noDelay bool) error {
	rec, err := m.lookupKind(h, KindTCP)
	if err != nil {
		return err
	}
	c := rec.impl.(*tcpConn)

	rec.lk.Lock()
	defer rec.lk.Unlock()
	c.opts.noDelaySet = true
	c.opts.noDelay = noDelay
	return c.applyOptions()
}

// applyOptions must be called with the record lock held.
func (c *tcpConn) applyOptions() error {
	conn := c.conn
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	var errs []error
	if c.opts.noDelaySet {
		errs = append(errs, tc.SetNoDelay(c.opts.noDelay))
	}
	if c.opts.keepAliveSet {
		errs = append(errs, tc.SetKeepAlive(c.opts.keepAlive))
		if c.opts.keepAlive && c.opts.keepAliveDelay > 0 {
			errs = append(errs, tc.SetKeepAlivePeriod(c.opts.keepAliveDelay))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// tlsConfig must be called with the record lock held.
func (c *tcpConn) tlsConfig(opts SecureOptions) (*tls.Config, error) {
	minVersion, err := parseTLSVersion(opts.MinVersion)
	if err != nil {
		return nil, err
	}
	maxVersion, err := parseTLSVersion(opts.MaxVersion)
	if err != nil {
		return nil, err
	}

	var cfg *tls.Config
	if c.m.config.tlsConfig != nil {
		cfg = c.m.config.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.host
		if cfg.ServerName == "" {
			cfg.ServerName, _ = splitAddr(c.conn.RemoteAddr())
		}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if minVersion != 0 {
		cfg.MinVersion = minVersion
	}
	if maxVersion != 0 {
		cfg.MaxVersion = maxVersion
		if cfg.MinVersion > maxVersion {
			if minVersion != 0 {
				return nil, fmt.Errorf("%w: tls min version above max version", ErrInvalidArgument)
			}
			cfg.MinVersion = maxVersion
		}
	}
	return cfg, nil
}

func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "":
		return 0, nil
	case "tls1":
		return tls.VersionTLS10, nil
	case "tls1.1":
		return tls.VersionTLS11, nil
	case "tls1.2":
		return tls.VersionTLS12, nil
	case "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("%w: unknown tls version %q", ErrInvalidArgument, version)
}

func (c *tcpConn) runWriter() {
	defer c.wg.Done()
	defer close(c.writerDone)
	for {
		var op *writeOp
		select {
		case op = <-c.writeCh:
		case <-c.rec.closing:
			return
		}
		if c.rec.isClosing() {
			op.done <- writeResult{err: ErrCancelled}
			return
		}

		if err := op.ctx.Err(); err != nil {
			op.done <- writeResult{err: err, skipped: true}
			continue
		}
		if op.secure != nil {
			op.done <- writeResult{err: c.upgrade(op.ctx, op.secure)}
			continue
		}

		c.rec.lk.Lock()
		conn := c.conn
		c.rec.lk.Unlock()

		n, err := conn.Write(op.data)
		if n > 0 {
			c.m.msink.IncrCounterWithLabels(MetricSocketOutBytes, float32(n), c.m.labels(LabelKind.M(KindTCP.String())))
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrWrite, err)
			op.done <- writeResult{n: n, err: err}
			c.m.fail(c.rec, err)
			return
		}
		op.done <- writeResult{n: n}
	}
}

// upgrade runs on the writer goroutine, so nothing is written while the
// connection is handed over to TLS.
func (c *tcpConn) upgrade(ctx context.Context, cfg *tls.Config) error {
	c.rec.lk.Lock()
	raw := c.conn
	readerDone := c.readerDone
	c.rec.lk.Unlock()

	c.upgrading.Store(true)
	if err := raw.SetReadDeadline(time.Now()); err != nil {
		c.upgrading.Store(false)
		return fmt.Errorf("%w: %w", ErrTLS, err)
	}
	<-readerDone
	c.upgrading.Store(false)
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrTLS, err)
	}
	if c.rec.isClosing() {
		return ErrCancelled
	}

	// Closing the socket interrupts the handshake.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.rec.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if c.rec.isClosing() {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %w", ErrTLS, err)
	}

	c.rec.lk.Lock()
	defer c.rec.lk.Unlock()
	if c.rec.state != StateConnected {
		return ErrCancelled
	}
	c.conn = tlsConn
	c.tlsState = TLSSecure
	c.readerDone = make(chan struct{})
	c.wg.Add(1)
	go c.runReader(tlsConn, c.readerDone)
	return nil
}

func (c *tcpConn) runReader(conn net.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	buf := make([]byte, c.rec.readBufferSize())
	for {
		if size := c.rec.readBufferSize(); size != len(buf) {
			buf = make([]byte, size)
		}

		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.rec.events.push(Event{
				Type:   EventReceive,
				Handle: c.rec.handle,
				Data:   data,
			})
			c.m.msink.IncrCounterWithLabels(MetricSocketInBytes, float32(n), c.m.labels(LabelKind.M(KindTCP.String())))
		}
		if err == nil {
			continue
		}

		if c.rec.isClosing() {
			return
		}
		if c.upgrading.Load() && isTimeout(err) {
			return
		}

		switch {
		case errors.Is(err, io.EOF):
			err = ErrPeerClosed
		case isReset(err):
			err = fmt.Errorf("%w: %w", ErrConnectionReset, err)
		default:
			err = fmt.Errorf("tcp: read failed: %w", err)
		}
		c.m.fail(c.rec, err)
		return
	}
}

func (c *tcpConn) release() error {
	c.rec.lk.Lock()
	if c.cancelDial != nil {
		c.cancelDial()
	}
	conn := c.conn
	writerDone := c.writerDone
	c.rec.lk.Unlock()

	if conn == nil {
		return nil
	}

	// The record is Closing, so the writer stops after the write in
	// flight, which gets the linger period to complete.
	conn.SetDeadline(time.Now().Add(c.m.config.closeLinger))
	<-writerDone

	err := conn.Close()
	c.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *tcpConn) fillInfo(info *SocketInfo) {
	info.TLS = c.tlsState
	info.Connected = c.rec.state == StateConnected
	if c.conn != nil {
		info.LocalAddress, info.LocalPort = splitAddr(c.conn.LocalAddr())
		info.PeerAddress, info.PeerPort = splitAddr(c.conn.RemoteAddr())
	}
}
