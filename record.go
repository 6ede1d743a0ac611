package sockyard

import (
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// socketImpl is the kind-specific part of a socket.
type socketImpl interface {
	// release frees the transport resources, it is called exactly once
	// while the record is Closing.
	release() error
	// fillInfo is called with the record lock held.
	fillInfo(*SocketInfo)
}

type record struct {
	handle Handle
	kind   Kind
	owner  uuid.UUID
	impl   socketImpl
	events *eventQueue

	// closing is closed as soon as the record enters Closing, it cancels
	// anything suspended on the socket.
	closing chan struct{}

	lk         sync.Mutex
	state      State
	persistent bool
	name       string
	bufferSize int
}

func (rec *record) isClosing() bool {
	select {
	case <-rec.closing:
		return true
	default:
		return false
	}
}

func (rec *record) readBufferSize() int {
	rec.lk.Lock()
	defer rec.lk.Unlock()
	return rec.bufferSize
}

func (rec *record) apply(props Properties) {
	rec.persistent = props.Persistent
	rec.name = props.Name
	rec.bufferSize = props.BufferSize
	if rec.bufferSize <= 0 {
		rec.bufferSize = DefaultBufferSize
	}
}

func (rec *record) info() SocketInfo {
	rec.lk.Lock()
	defer rec.lk.Unlock()
	info := SocketInfo{
		Handle:     rec.handle,
		Kind:       rec.kind,
		State:      rec.state,
		Persistent: rec.persistent,
		Name:       rec.name,
		BufferSize: rec.bufferSize,
		Paused:     rec.events.isPaused(),
	}
	rec.impl.fillInfo(&info)
	return info
}

func splitAddr(addr net.Addr) (string, int) {
	switch a := addr.(type) {
	case nil:
		return "", 0
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap().String(), a.Port
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap().String(), a.Port
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
