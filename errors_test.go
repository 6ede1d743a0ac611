package sockyard

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, CodeOK},
		{"invalid handle", fmt.Errorf("%w: 12", ErrInvalidHandle), CodeInvalidArgument},
		{"invalid argument", ErrInvalidArgument, CodeInvalidArgument},
		{"already connected", ErrAlreadyConnected, CodeAlreadyConnected},
		{"not connected", ErrNotConnected, CodeNotConnected},
		{"exhausted", ErrResourceExhausted, CodeInsufficientRes},
		{"overrun", ErrBufferOverrun, CodeInsufficientRes},
		{"cancelled", ErrCancelled, CodeAborted},
		{"context cancelled", context.Canceled, CodeAborted},
		{"peer closed", ErrPeerClosed, CodeConnectionClosed},
		{"eof", io.EOF, CodeConnectionClosed},
		{"deadline", os.ErrDeadlineExceeded, CodeTimedOut},
		{"tls", fmt.Errorf("%w: bad record", ErrTLS), CodeSSLHandshakeFailure},
		{"connect", fmt.Errorf("%w: unknown", ErrConnect), CodeConnectionFailed},
		{"dns", fmt.Errorf("%w: %w", ErrConnect, &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}), CodeNameNotResolved},
		{
			"refused",
			fmt.Errorf("%w: %w", ErrConnect, &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}),
			CodeConnectionRefused,
		},
		{"reset", fmt.Errorf("%w: %w", ErrConnectionReset, syscall.ECONNRESET), CodeConnectionReset},
		{"address in use", fmt.Errorf("%w: %w", ErrBind, syscall.EADDRINUSE), CodeAddressInUse},
		{"unknown", io.ErrShortWrite, CodeFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResultCode(tc.err))
		})
	}
}

func TestEventWire(t *testing.T) {
	ev := Event{
		Type:    EventReceiveError,
		Handle:  3,
		Address: "127.0.0.1",
		Port:    8080,
		Err:     ErrPeerClosed,
	}
	w := ev.Wire()
	require.EqualValues(t, EventReceiveError, w.Type)
	require.EqualValues(t, 3, w.Handle)
	require.EqualValues(t, 8080, w.Port)
	require.EqualValues(t, CodeConnectionClosed, w.ResultCode)
	require.Equal(t, ErrPeerClosed.Error(), w.Message)

	ok := Event{Type: EventAccept, Handle: 1, Accepted: 2}.Wire()
	require.Zero(t, ok.ResultCode)
	require.Empty(t, ok.Message)
	require.EqualValues(t, 2, ok.Accepted)
}
