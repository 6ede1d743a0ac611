package sockyard

import (
	"strconv"

	"github.com/google/uuid"
)

// Handle identifies one socket for the lifetime of the process.
// Handles are never reused.
type Handle uint64

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

type Kind uint8

const (
	// KindAny only makes sense as a filter for `Manager.GetSockets`.
	KindAny Kind = iota
	KindTCP
	KindTCPServer
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindTCP:
		return "tcp"
	case KindTCPServer:
		return "tcp_server"
	case KindUDP:
		return "udp"
	}
	return "unknown"
}

type State uint8

const (
	StateCreated State = iota
	StateBound
	StateConnecting
	StateConnected
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type TLSState uint8

const (
	TLSPlainText TLSState = iota
	TLSUpgrading
	TLSSecure
)

func (s TLSState) String() string {
	switch s {
	case TLSPlainText:
		return "plaintext"
	case TLSUpgrading:
		return "upgrading"
	case TLSSecure:
		return "secure"
	}
	return "unknown"
}

// Properties are caller-controlled attributes of a socket.
type Properties struct {
	// Persistent sockets survive `Manager.ReleaseOwner`.
	Persistent bool

	// Name is an opaque label only used for introspection.
	Name string

	// BufferSize is the size of the buffer used for each read.
	// Zero means `DefaultBufferSize`.
	BufferSize int

	// Owner ties the socket to a caller context.
	Owner uuid.UUID
}

// SocketInfo is a point-in-time snapshot of a socket.
type SocketInfo struct {
	Handle     Handle
	Kind       Kind
	State      State
	Persistent bool
	Name       string
	BufferSize int
	Paused     bool
	Connected  bool

	LocalAddress string
	LocalPort    int
	PeerAddress  string
	PeerPort     int

	// TCP only.
	TLS TLSState

	// UDP only.
	MulticastTTL      int
	MulticastLoopback bool
}
