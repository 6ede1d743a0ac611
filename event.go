package sockyard

import (
	"github.com/raskyld/sockyard/pkg/wire"
)

type EventType uint8

const (
	// EventReceive carries inbound data. For UDP sockets, `Address` and
	// `Port` identify the sender of the datagram.
	EventReceive EventType = iota + 1
	// EventReceiveError reports an error on a TCP or UDP socket. Unless
	// `Err` is an `ErrBufferOverrun`, the socket is closed after it.
	EventReceiveError
	// EventAccept announces a new connected socket, `Accepted`, produced
	// by a listener.
	EventAccept
	// EventAcceptError reports an error on a listener. Unless `Err` is an
	// `ErrBufferOverrun`, the listener is closed after it.
	EventAcceptError
)

func (t EventType) String() string {
	switch t {
	case EventReceive:
		return "receive"
	case EventReceiveError:
		return "receive_error"
	case EventAccept:
		return "accept"
	case EventAcceptError:
		return "accept_error"
	}
	return "unknown"
}

type Event struct {
	Type   EventType
	Handle Handle

	Data    []byte
	Address string
	Port    int

	Accepted Handle

	Err error
	// Dropped counts the events replaced by an overrun event.
	Dropped int
}

// Terminal reports whether the socket is closed after this event.
func (ev Event) Terminal() bool {
	return ev.Err != nil && ev.Dropped == 0
}

// Wire converts the event to its protobuf wire representation.
func (ev Event) Wire() wire.Event {
	w := wire.Event{
		Type:     wire.EventType(ev.Type),
		Handle:   uint64(ev.Handle),
		Data:     ev.Data,
		Address:  ev.Address,
		Port:     uint32(ev.Port),
		Accepted: uint64(ev.Accepted),
		Dropped:  uint64(ev.Dropped),
	}
	if ev.Err != nil {
		w.ResultCode = int32(ResultCode(ev.Err))
		w.Message = ev.Err.Error()
	}
	return w
}
