package sockyard

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

var (
	ErrInvalidCfg        = errors.New("manager: invalid options")
	ErrShutdown          = errors.New("manager: shutting down")
	ErrInvalidArgument   = errors.New("manager: invalid argument")
	ErrInvalidHandle     = errors.New("registry: unknown or closed socket handle")
	ErrResourceExhausted = errors.New("registry: socket limit reached")

	ErrInvalidState       = errors.New("socket: operation invalid in current state")
	ErrCancelled          = errors.New("socket: operation cancelled by close")
	ErrBufferOverrun      = errors.New("socket: event buffer overrun")
	ErrAlreadySubscribed  = errors.New("socket: events already subscribed")
	ErrSubscriptionClosed = errors.New("socket: subscription closed")

	ErrAlreadyConnected = errors.New("tcp: already connected")
	ErrNotConnected     = errors.New("tcp: not connected")
	ErrConnect          = errors.New("tcp: connect failed")
	ErrWrite            = errors.New("socket: write failed")
	ErrTLS              = errors.New("tcp: tls handshake failed")
	ErrPeerClosed       = errors.New("tcp: connection closed by peer")
	ErrConnectionReset  = errors.New("tcp: connection reset")

	ErrBind   = errors.New("socket: bind failed")
	ErrListen = errors.New("tcp: listen failed")

	ErrMulticast = errors.New("udp: multicast operation failed")
)

// Net error codes, as understood by the socket plugins which consume
// the result codes of this package.
const (
	CodeOK                  = 0
	CodeFailed              = -2
	CodeAborted             = -3
	CodeInvalidArgument     = -4
	CodeTimedOut            = -7
	CodeAccessDenied        = -10
	CodeInsufficientRes     = -12
	CodeNotConnected        = -15
	CodeAlreadyConnected    = -23
	CodeConnectionClosed    = -100
	CodeConnectionReset     = -101
	CodeConnectionRefused   = -102
	CodeConnectionFailed    = -104
	CodeNameNotResolved     = -105
	CodeAddressInvalid      = -108
	CodeAddressUnreachable  = -109
	CodeMessageTooBig       = -142
	CodeAddressInUse        = -147
	CodeSSLHandshakeFailure = -148
)

// ResultCode maps any error returned or emitted by this package to a
// negative net error code. A nil error maps to `CodeOK`.
func ResultCode(err error) int {
	if err == nil {
		return CodeOK
	}

	// OS-level causes are more precise than our own sentinels.
	if code, ok := errnoCode(err); ok {
		return code
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return CodeNameNotResolved
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrAlreadyConnected):
		return CodeAlreadyConnected
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrBufferOverrun):
		return CodeInsufficientRes
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeAborted
	case errors.Is(err, ErrPeerClosed), errors.Is(err, io.EOF):
		return CodeConnectionClosed
	case errors.Is(err, ErrConnectionReset):
		return CodeConnectionReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CodeTimedOut
	case errors.Is(err, ErrTLS):
		return CodeSSLHandshakeFailure
	case errors.Is(err, ErrConnect):
		return CodeConnectionFailed
	}

	return CodeFailed
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
