package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/sockyard"
	"github.com/raskyld/sockyard/pkg/wire"
	"github.com/spf13/cobra"
)

// newManager builds the socket manager shared by every command. Metrics
// are kept in memory and dumped to stderr on SIGUSR1.
func newManager(cmd *cobra.Command, opts ...sockyard.Option) (*sockyard.Manager, func(), error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	signal := metrics.DefaultInmemSignal(sink)

	opts = append([]sockyard.Option{
		sockyard.WithLog(slog.Default().Handler()),
		sockyard.WithMetricSink(sink),
	}, opts...)
	if hwm, _ := cmd.Flags().GetInt("high-water-mark"); hwm != 0 {
		opts = append(opts, sockyard.WithHighWaterMark(hwm))
	}

	m, err := sockyard.New(opts...)
	if err != nil {
		signal.Stop()
		return nil, nil, err
	}
	return m, func() {
		if err := m.Shutdown(); err != nil {
			slog.Warn("shutdown was not clean", "error", err)
		}
		signal.Stop()
	}, nil
}

// parseEndpoint accepts "PORT" or "ADDRESS:PORT".
func parseEndpoint(arg string) (string, int, error) {
	host, portStr := "", arg
	if strings.Contains(arg, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(arg)
		if err != nil {
			return "", 0, err
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// printer writes events to stdout, either as text or as wire frames.
type printer struct {
	lk  sync.Mutex
	out io.Writer
	enc *wire.Encoder
}

func newPrinter(cmd *cobra.Command) *printer {
	p := &printer{out: os.Stdout}
	if useWire, _ := cmd.Flags().GetBool("wire"); useWire {
		p.enc = wire.NewEncoder(os.Stdout)
	}
	return p
}

func (p *printer) print(ev sockyard.Event) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.enc != nil {
		return p.enc.Encode(ev.Wire())
	}

	var err error
	switch ev.Type {
	case sockyard.EventReceive:
		if ev.Address != "" {
			_, err = fmt.Fprintf(p.out, "[%s] %s from %s: %q\n", ev.Handle, ev.Type, net.JoinHostPort(ev.Address, strconv.Itoa(ev.Port)), ev.Data)
		} else {
			_, err = fmt.Fprintf(p.out, "[%s] %s: %q\n", ev.Handle, ev.Type, ev.Data)
		}
	case sockyard.EventAccept:
		_, err = fmt.Fprintf(p.out, "[%s] %s: new socket %s\n", ev.Handle, ev.Type, ev.Accepted)
	default:
		_, err = fmt.Fprintf(p.out, "[%s] %s (%d): %v\n", ev.Handle, ev.Type, sockyard.ResultCode(ev.Err), ev.Err)
	}
	return err
}
