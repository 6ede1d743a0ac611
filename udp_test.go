package sockyard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func bindUDP(t *testing.T, m *Manager, address string) (Handle, int) {
	t.Helper()
	h, err := m.Create(KindUDP, Properties{})
	require.NoError(t, err)
	require.NoError(t, m.Bind(context.Background(), h, address, 0))

	info, err := m.GetInfo(h)
	require.NoError(t, err)
	require.Equal(t, StateBound, info.State)
	require.NotZero(t, info.LocalPort)
	return h, info.LocalPort
}

func TestUDPExchange(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	a, aport := bindUDP(t, m, "127.0.0.1")
	b, bport := bindUDP(t, m, "127.0.0.1")
	bsub := subscribe(t, m, b)

	n, err := m.SendTo(ctx, a, []byte("datagram"), "127.0.0.1", bport)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	ev := nextEvent(t, bsub)
	require.Equal(t, EventReceive, ev.Type)
	require.Equal(t, b, ev.Handle)
	require.Equal(t, []byte("datagram"), ev.Data)
	require.Equal(t, "127.0.0.1", ev.Address)
	require.Equal(t, aport, ev.Port)

	require.Equal(t, float64(8), counter(sink, "sockyard.socket.out.bytes"))
}

func TestUDPErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(KindUDP, Properties{})
	require.NoError(t, err)

	_, err = m.SendTo(ctx, h, []byte("x"), "127.0.0.1", 9)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, m.SetPeer(ctx, h, "127.0.0.1", 9), ErrInvalidState)
	require.ErrorIs(t, m.Bind(ctx, h, "127.0.0.1", -1), ErrInvalidArgument)

	require.NoError(t, m.Bind(ctx, h, "127.0.0.1", 0))
	require.ErrorIs(t, m.Bind(ctx, h, "127.0.0.1", 0), ErrInvalidState)

	_, err = m.SendTo(ctx, h, []byte("x"), "", 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "no address and no peer")
	_, err = m.SendTo(ctx, h, []byte("x"), "127.0.0.1", 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUDPPause(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, _ := bindUDP(t, m, "127.0.0.1")
	b, bport := bindUDP(t, m, "127.0.0.1")
	bsub := subscribe(t, m, b)
	require.NoError(t, m.SetPaused(b, true))

	for i := 0; i < 10; i++ {
		_, err := m.SendTo(ctx, a, []byte{byte(i)}, "127.0.0.1", bport)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return pendingBytes(m, b) == 10
	}, 5*time.Second, 10*time.Millisecond)
	requireNoEvent(t, bsub, 100*time.Millisecond)

	require.NoError(t, m.SetPaused(b, false))
	for i := 0; i < 10; i++ {
		require.Equal(t, []byte{byte(i)}, nextEvent(t, bsub).Data)
	}
}

func TestUDPPeer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, aport := bindUDP(t, m, "127.0.0.1")
	b, bport := bindUDP(t, m, "127.0.0.1")
	stranger, _ := bindUDP(t, m, "127.0.0.1")
	bsub := subscribe(t, m, b)

	require.NoError(t, m.SetPeer(ctx, b, "127.0.0.1", aport))
	info, err := m.GetInfo(b)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", info.PeerAddress)
	require.Equal(t, aport, info.PeerPort)

	_, err = m.SendTo(ctx, stranger, []byte("nope"), "127.0.0.1", bport)
	require.NoError(t, err)
	_, err = m.SendTo(ctx, a, []byte("yes"), "127.0.0.1", bport)
	require.NoError(t, err)

	ev := nextEvent(t, bsub)
	require.Equal(t, []byte("yes"), ev.Data, "datagrams from others are dropped")

	asub := subscribe(t, m, a)
	_, err = m.SendTo(ctx, b, []byte("back"), "", 0)
	require.NoError(t, err)
	ev = nextEvent(t, asub)
	require.Equal(t, []byte("back"), ev.Data)
	require.Equal(t, bport, ev.Port)
}

func TestUDPClose(t *testing.T) {
	m, _ := newTestManager(t)

	h, _ := bindUDP(t, m, "127.0.0.1")
	sub := subscribe(t, m, h)

	require.NoError(t, m.Close(h))
	_, ok := <-sub.Events()
	require.False(t, ok)

	_, err := m.SendTo(context.Background(), h, []byte("x"), "127.0.0.1", 9)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestMulticast(t *testing.T) {
	m, _ := newTestManager(t)

	t.Run("requires a bound socket", func(t *testing.T) {
		h, err := m.Create(KindUDP, Properties{})
		require.NoError(t, err)
		require.ErrorIs(t, m.JoinGroup(h, "239.1.2.3"), ErrInvalidState)
		require.ErrorIs(t, m.SetMulticastTimeToLive(h, 4), ErrInvalidState)
		require.ErrorIs(t, m.SetMulticastLoopbackMode(h, false), ErrInvalidState)
	})

	h, _ := bindUDP(t, m, "")

	t.Run("rejects unicast groups", func(t *testing.T) {
		require.ErrorIs(t, m.JoinGroup(h, "10.0.0.1"), ErrMulticast)
		require.ErrorIs(t, m.JoinGroup(h, "not an address"), ErrMulticast)
		require.ErrorIs(t, m.LeaveGroup(h, "10.0.0.1"), ErrMulticast)
	})

	t.Run("leaving a group never joined is a no-op", func(t *testing.T) {
		require.NoError(t, m.LeaveGroup(h, "239.1.2.3"))
	})

	t.Run("ttl and loopback", func(t *testing.T) {
		require.ErrorIs(t, m.SetMulticastTimeToLive(h, 256), ErrInvalidArgument)
		require.NoError(t, m.SetMulticastTimeToLive(h, 4))
		require.NoError(t, m.SetMulticastLoopbackMode(h, false))

		info, err := m.GetInfo(h)
		require.NoError(t, err)
		require.Equal(t, 4, info.MulticastTTL)
		require.False(t, info.MulticastLoopback)
	})

	t.Run("join and leave", func(t *testing.T) {
		if err := m.JoinGroup(h, "239.1.2.3"); err != nil {
			if errors.Is(err, ErrMulticast) {
				t.Skipf("multicast is not available: %s", err)
			}
			require.NoError(t, err)
		}
		require.NoError(t, m.JoinGroup(h, "239.1.2.3"), "joining twice is a no-op")
		require.NoError(t, m.JoinGroup(h, "239.1.2.4"))

		groups, err := m.GetJoinedGroups(h)
		require.NoError(t, err)
		require.Equal(t, []string{"239.1.2.3", "239.1.2.4"}, groups)

		require.NoError(t, m.LeaveGroup(h, "239.1.2.3"))
		groups, err = m.GetJoinedGroups(h)
		require.NoError(t, err)
		require.Equal(t, []string{"239.1.2.4"}, groups)
	})
}
