package sockyard

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *metrics.InmemSink) {
	t.Helper()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "test", Value: slog.StringValue(t.Name())},
	})
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)

	m, err := New(append([]Option{WithLog(handler), WithMetricSink(sink)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown())
	})
	return m, sink
}

func counter(sink *metrics.InmemSink, name string) float64 {
	var total float64
	for _, interval := range sink.Data() {
		for key, val := range interval.Counters {
			if key == name || strings.HasPrefix(key, name+";") {
				total += val.Sum
			}
		}
	}
	return total
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

// readBytes accumulates stream data until `want` bytes were received.
func readBytes(t *testing.T, sub *Subscription, want int) []byte {
	t.Helper()
	var buf bytes.Buffer
	for buf.Len() < want {
		ev := nextEvent(t, sub)
		require.Equal(t, EventReceive, ev.Type, "unexpected event: %v", ev.Err)
		buf.Write(ev.Data)
	}
	return buf.Bytes()
}

// drain collects events until the subscription ends.
func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("subscription did not end, got %d events", len(events))
			return nil
		}
	}
}

func requireNoEvent(t *testing.T, sub *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected %s event delivered", ev.Type)
		}
	case <-time.After(wait):
	}
}

func pendingBytes(m *Manager, h Handle) int {
	rec, ok := m.reg.get(h)
	if !ok {
		return 0
	}
	rec.events.lk.Lock()
	defer rec.events.lk.Unlock()
	n := 0
	for _, ev := range rec.events.pending {
		n += len(ev.Data)
	}
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCert(t *testing.T, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey, cn string, isCA bool) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
	if parent == nil {
		parent = tmpl
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("failed to generate certificate %s: %s", cn, err)
		return nil
	}
	return certDER
}

// newTestPKI returns a server config for 127.0.0.1 and the pool trusting it.
func newTestPKI(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCert(t, nil, caKey, caKey, "self-signed", true)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leafKey := generateKeyPair(t)
	leafDER := generateCert(t, ca, caKey, leafKey, "server", false)

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{leafDER},
				PrivateKey:  leafKey,
			},
		},
	}, pool
}
