// Package wire encodes socket events with the protobuf wire format so
// they can be carried by any byte stream, e.g. to a process driving the
// sockets remotely.
//
// The message layout is:
//
//	message Event {
//	  uint32 type        = 1;
//	  uint64 handle      = 2;
//	  bytes  data        = 3;
//	  string address     = 4;
//	  uint32 port        = 5;
//	  uint64 accepted    = 6;
//	  sint32 result_code = 7;
//	  string message     = 8;
//	  uint64 dropped     = 9;
//	}
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidMessage = errors.New("wire: invalid message")
	ErrFrameTooLarge  = errors.New("wire: frame too large")
)

type EventType uint32

const (
	EventReceive EventType = iota + 1
	EventReceiveError
	EventAccept
	EventAcceptError
)

type Event struct {
	Type       EventType
	Handle     uint64
	Data       []byte
	Address    string
	Port       uint32
	Accepted   uint64
	ResultCode int32
	Message    string
	Dropped    uint64
}

const (
	fieldType       protowire.Number = 1
	fieldHandle     protowire.Number = 2
	fieldData       protowire.Number = 3
	fieldAddress    protowire.Number = 4
	fieldPort       protowire.Number = 5
	fieldAccepted   protowire.Number = 6
	fieldResultCode protowire.Number = 7
	fieldMessage    protowire.Number = 8
	fieldDropped    protowire.Number = 9
)

// Marshal appends the encoded event to buf. Zero fields are omitted.
func Marshal(buf []byte, ev Event) []byte {
	buf = appendVarint(buf, fieldType, uint64(ev.Type))
	buf = appendVarint(buf, fieldHandle, ev.Handle)
	if len(ev.Data) > 0 {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, ev.Data)
	}
	if ev.Address != "" {
		buf = protowire.AppendTag(buf, fieldAddress, protowire.BytesType)
		buf = protowire.AppendString(buf, ev.Address)
	}
	buf = appendVarint(buf, fieldPort, uint64(ev.Port))
	buf = appendVarint(buf, fieldAccepted, ev.Accepted)
	buf = appendVarint(buf, fieldResultCode, protowire.EncodeZigZag(int64(ev.ResultCode)))
	if ev.Message != "" {
		buf = protowire.AppendTag(buf, fieldMessage, protowire.BytesType)
		buf = protowire.AppendString(buf, ev.Message)
	}
	buf = appendVarint(buf, fieldDropped, ev.Dropped)
	return buf
}

func appendVarint(buf []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

// Unmarshal decodes an event, unknown fields are skipped.
func Unmarshal(buf []byte) (Event, error) {
	var ev Event
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
			setVarint(&ev, num, v)
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
			setBytes(&ev, num, v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return ev, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldType, fieldHandle, fieldPort, fieldAccepted, fieldResultCode, fieldDropped:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	return num == fieldData || num == fieldAddress || num == fieldMessage
}

func setVarint(ev *Event, num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		ev.Type = EventType(v)
	case fieldHandle:
		ev.Handle = v
	case fieldPort:
		ev.Port = uint32(v)
	case fieldAccepted:
		ev.Accepted = v
	case fieldResultCode:
		ev.ResultCode = int32(protowire.DecodeZigZag(v))
	case fieldDropped:
		ev.Dropped = v
	}
}

func setBytes(ev *Event, num protowire.Number, v []byte) {
	switch num {
	case fieldData:
		ev.Data = append([]byte(nil), v...)
	case fieldAddress:
		ev.Address = string(v)
	case fieldMessage:
		ev.Message = string(v)
	}
}
