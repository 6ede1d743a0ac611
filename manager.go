package sockyard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

// Manager is the entrypoint of the library: every socket operation goes
// through it, addressed by `Handle`.
type Manager struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	reg    *registry

	// background closes triggered by I/O failures.
	closers sync.WaitGroup

	// 2-phase close:
	// phase 1: refuse new sockets and close every existing one.
	// phase 2: drop the records still in their grace window.
	lk       sync.RWMutex
	shutdown bool
}

func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		config: defaultConfig(),
	}

	for _, opt := range opts {
		err := opt(&m.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if m.config.logHandler != nil {
		m.logger = slog.New(m.config.logHandler)
	} else {
		m.logger = slog.Default()
	}

	// Metrics implementations.
	if m.config.msink == nil {
		m.msink = metrics.Default()
	} else {
		m.msink = m.config.msink
	}

	m.reg = newRegistry(&m.config)
	return m, nil
}

// Create allocates a new socket of the given kind in the Created state.
func (m *Manager) Create(kind Kind, props Properties) (Handle, error) {
	rec, err := m.create(kind, props)
	if err != nil {
		return 0, err
	}
	return rec.handle, nil
}

func (m *Manager) create(kind Kind, props Properties) (*record, error) {
	var build func(*record) socketImpl
	switch kind {
	case KindTCP:
		build = func(rec *record) socketImpl { return newTCPConn(m, rec) }
	case KindTCPServer:
		build = func(rec *record) socketImpl { return &tcpListener{m: m, rec: rec} }
	case KindUDP:
		build = func(rec *record) socketImpl { return &udpSocket{m: m, rec: rec} }
	default:
		return nil, fmt.Errorf("%w: unknown socket kind %d", ErrInvalidArgument, kind)
	}

	m.lk.RLock()
	defer m.lk.RUnlock()
	if m.shutdown {
		return nil, ErrShutdown
	}

	onDrop := func() {
		m.msink.IncrCounterWithLabels(MetricEventOverrunCount, 1.0, m.labels(LabelKind.M(kind.String())))
	}
	rec, err := m.reg.create(kind, props, onDrop, build)
	if err != nil {
		m.logger.Error("failed to create socket", LabelKind.L(kind), LabelError.L(err))
		return nil, err
	}

	m.msink.IncrCounterWithLabels(MetricSocketCreatedCount, 1.0, m.labels(LabelKind.M(kind.String())))
	m.logger.Debug("socket created", LabelHandle.L(rec.handle), LabelKind.L(kind))
	return rec, nil
}

// Update replaces the properties of a socket. The owner of a socket can
// not be changed.
func (m *Manager) Update(h Handle, props Properties) error {
	rec, err := m.reg.lookup(h)
	if err != nil {
		return err
	}
	if props.Owner != uuid.Nil && props.Owner != rec.owner {
		return fmt.Errorf("%w: owner can not be changed", ErrInvalidArgument)
	}

	rec.lk.Lock()
	rec.apply(props)
	rec.lk.Unlock()
	return nil
}

// Close releases the socket. It is safe to call it more than once, and
// on handles which do not exist anymore.
func (m *Manager) Close(h Handle) error {
	rec, ok := m.reg.get(h)
	if !ok {
		return nil
	}
	m.closeRecord(rec)
	return nil
}

// Disconnect is an alias of `Close`.
func (m *Manager) Disconnect(h Handle) error {
	return m.Close(h)
}

func (m *Manager) closeRecord(rec *record) error {
	start := time.Now()
	closed, err := m.reg.destroy(rec)
	if !closed {
		return nil
	}

	m.msink.IncrCounterWithLabels(MetricSocketClosedCount, 1.0, m.labels(LabelKind.M(rec.kind.String())))
	if err != nil && !errors.Is(err, ErrCancelled) {
		m.logger.Warn(
			"error while releasing socket",
			LabelHandle.L(rec.handle),
			LabelKind.L(rec.kind),
			LabelError.L(err),
		)
		return err
	}
	m.logger.Debug(
		"socket closed",
		LabelHandle.L(rec.handle),
		LabelKind.L(rec.kind),
		LabelDuration.L(time.Since(start)),
	)
	return nil
}

// fail emits a terminal error event and closes the socket in the
// background since it is called from the socket own goroutines.
func (m *Manager) fail(rec *record, cause error) {
	if !m.terminate(rec, cause) {
		return
	}
	m.closers.Add(1)
	go func() {
		defer m.closers.Done()
		m.closeRecord(rec)
	}()
}

// terminate raises the terminal error event of a socket. It reports
// false if the socket is closing or already failed.
func (m *Manager) terminate(rec *record, cause error) bool {
	if rec.isClosing() {
		return false
	}
	ok := rec.events.terminate(Event{
		Type:   rec.events.errType,
		Handle: rec.handle,
		Err:    cause,
	})
	if !ok {
		return false
	}

	m.msink.IncrCounterWithLabels(
		MetricSocketErrorCount,
		1.0,
		m.labels(LabelKind.M(rec.kind.String()), LabelError.M(fmt.Sprint(ResultCode(cause)))),
	)
	m.logger.Info(
		"socket failed",
		LabelHandle.L(rec.handle),
		LabelKind.L(rec.kind),
		LabelError.L(cause),
	)
	return true
}

// SetPaused holds back (or releases) the delivery of events of a socket.
// The socket keeps reading and accepting while paused.
func (m *Manager) SetPaused(h Handle, paused bool) error {
	rec, err := m.reg.lookup(h)
	if err != nil {
		return err
	}
	rec.events.setPaused(paused)
	return nil
}

func (m *Manager) GetInfo(h Handle) (SocketInfo, error) {
	rec, err := m.reg.lookup(h)
	if err != nil {
		return SocketInfo{}, err
	}
	return rec.info(), nil
}

// GetSockets returns a snapshot of every live socket of the given kind,
// use `KindAny` to get all of them.
func (m *Manager) GetSockets(kind Kind) []SocketInfo {
	recs := m.reg.list(kind)
	infos := make([]SocketInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, rec.info())
	}
	return infos
}

// Subscribe registers the consumer of the events of a socket. Events
// raised before are held and delivered first.
//
// A socket which was closed because of an error can still be subscribed
// for a short grace window so its last events are not lost.
func (m *Manager) Subscribe(h Handle) (*Subscription, error) {
	rec, ok := m.reg.get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return rec.events.subscribe()
}

// ReleaseOwner closes every non-persistent socket of the given owner.
func (m *Manager) ReleaseOwner(owner uuid.UUID) error {
	var owned []*record
	for _, rec := range m.reg.list(KindAny) {
		if rec.owner != owner {
			continue
		}
		rec.lk.Lock()
		persistent := rec.persistent
		rec.lk.Unlock()
		if !persistent {
			owned = append(owned, rec)
		}
	}

	m.logger.Debug("releasing owner sockets", LabelOwner.L(owner), "count", len(owned))
	return m.closeAll(owned)
}

func (m *Manager) closeAll(recs []*record) error {
	var g errgroup.Group
	g.SetLimit(64)
	for _, rec := range recs {
		g.Go(func() error {
			return m.closeRecord(rec)
		})
	}
	return g.Wait()
}

// Shutdown closes every socket and refuses to create new ones.
func (m *Manager) Shutdown() error {
	// Phase 1: Shutdown notify.
	m.lk.Lock()
	if m.shutdown {
		m.lk.Unlock()
		return nil
	}
	m.shutdown = true
	m.lk.Unlock()

	start := time.Now()
	m.logger.Info("shutting down...")

	m.logger.Info("shutdown: close sockets")
	err := m.closeAll(m.reg.list(KindAny))
	m.closers.Wait()

	// Phase 2: Drop all resources.
	m.logger.Info("shutdown: drop records")
	m.reg.drop()

	m.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

func (m *Manager) lookupKind(h Handle, kind Kind) (*record, error) {
	rec, err := m.reg.lookup(h)
	if err != nil {
		return nil, err
	}
	if rec.kind != kind {
		return nil, fmt.Errorf("%w: handle %d is a %s socket, not %s", ErrInvalidState, h, rec.kind, kind)
	}
	return rec, nil
}
