package sockyard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	tec "github.com/jbenet/go-temp-err-catcher"
)

type tcpListener struct {
	m   *Manager
	rec *record
	wg  sync.WaitGroup

	// guarded by rec.lk
	starting bool
	ln       net.Listener
}

// Listen binds a TCP server socket and starts accepting peers. Every
// accepted peer becomes a new connected TCP socket announced by an
// `EventAccept`. A zero backlog means the configured default.
func (m *Manager) Listen(ctx context.Context, h Handle, address string, port, backlog int) error {
	rec, err := m.lookupKind(h, KindTCPServer)
	if err != nil {
		return err
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidArgument, port)
	}
	if backlog <= 0 {
		backlog = m.config.backlog
	}
	l := rec.impl.(*tcpListener)

	rec.lk.Lock()
	if (rec.state != StateCreated && rec.state != StateBound) || l.starting {
		state := rec.state
		rec.lk.Unlock()
		return fmt.Errorf("%w: can not listen from %s", ErrInvalidState, state)
	}
	l.starting = true
	rec.lk.Unlock()

	ln, err := l.listen(ctx, address, port, backlog)

	rec.lk.Lock()
	defer rec.lk.Unlock()
	l.starting = false
	if err != nil {
		m.logger.Warn("failed to listen", LabelHandle.L(h), LabelError.L(err))
		return err
	}
	if rec.state >= StateClosing {
		ln.Close()
		return ErrCancelled
	}

	l.ln = ln
	rec.state = StateListening
	l.wg.Add(1)
	go l.acceptLoop(ln)

	m.logger.Debug("socket listening", LabelHandle.L(h), LabelAddr.L(ln.Addr().String()))
	return nil
}

func (l *tcpListener) listen(ctx context.Context, address string, port, backlog int) (net.Listener, error) {
	ip, err := resolveIP(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	return listenTCP(ctx, ip, port, backlog)
}

func (l *tcpListener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	// Retries temporary errors (e.g. too many open files) with a backoff.
	var catcher tec.TempErrCatcher
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.rec.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			if catcher.IsTemporary(err) {
				l.m.msink.IncrCounterWithLabels(MetricAcceptErrorCount, 1.0, l.m.labels(LabelError.M("temporary")))
				continue
			}
			l.m.msink.IncrCounterWithLabels(MetricAcceptErrorCount, 1.0, l.m.labels(LabelError.M("fatal")))
			l.m.fail(l.rec, fmt.Errorf("%w: %w", ErrListen, err))
			return
		}
		l.m.adopt(l.rec, conn)
	}
}

// adopt registers an accepted connection and announces it. It holds the
// listener lock so a concurrent close can not lose the connection.
func (m *Manager) adopt(lrec *record, conn net.Conn) {
	lrec.lk.Lock()
	defer lrec.lk.Unlock()
	if lrec.state != StateListening {
		conn.Close()
		return
	}

	child, err := m.create(KindTCP, Properties{Owner: lrec.owner})
	if err != nil {
		m.msink.IncrCounterWithLabels(MetricAcceptErrorCount, 1.0, m.labels(LabelError.M("registry")))
		m.logger.Error(
			"dropping accepted connection",
			LabelHandle.L(lrec.handle),
			LabelPeerAddr.L(conn.RemoteAddr().String()),
			LabelError.L(err),
		)
		conn.Close()
		return
	}

	if m.config.acceptPaused {
		child.events.setPaused(true)
	}
	child.lk.Lock()
	child.impl.(*tcpConn).attach(conn)
	child.lk.Unlock()

	lrec.events.push(Event{
		Type:     EventAccept,
		Handle:   lrec.handle,
		Accepted: child.handle,
	})

	m.msink.IncrCounterWithLabels(MetricAcceptCount, 1.0, m.labels())
	m.logger.Debug(
		"connection accepted",
		LabelHandle.L(lrec.handle),
		LabelAccepted.L(child.handle),
		LabelPeerAddr.L(conn.RemoteAddr().String()),
	)
}

func (l *tcpListener) release() error {
	l.rec.lk.Lock()
	ln := l.ln
	l.rec.lk.Unlock()
	if ln == nil {
		return nil
	}

	err := ln.Close()
	l.wg.Wait()
	return err
}

func (l *tcpListener) fillInfo(info *SocketInfo) {
	if l.ln != nil {
		info.LocalAddress, info.LocalPort = splitAddr(l.ln.Addr())
	}
}
