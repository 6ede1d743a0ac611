package sockyard

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultBufferSize    = 4096
	DefaultBacklog       = 128
	DefaultHighWaterMark = 1024
	DefaultMaxSockets    = 65536
)

type config struct {
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	clock         clock.Clock
	tlsConfig     *tls.Config
	dialTimeout   time.Duration
	closeLinger   time.Duration
	graceWindow   time.Duration
	backlog       int
	highWaterMark int
	maxSockets    int
	acceptPaused  bool
}

func defaultConfig() config {
	return config{
		clock:         clock.New(),
		dialTimeout:   30 * time.Second,
		closeLinger:   2 * time.Second,
		graceWindow:   2 * time.Second,
		backlog:       DefaultBacklog,
		highWaterMark: DefaultHighWaterMark,
		maxSockets:    DefaultMaxSockets,
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Manager`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Manager.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTLSConfig sets the base `tls.Config` used when a TCP client is
// upgraded with `Manager.Secure`. Without it, the system roots are used.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return errors.New("tls config must not be nil")
		}
		c.tlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote peer to answer a connect.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithCloseLinger controls how long a close waits for an in-flight write
// to complete before the connection is torn down.
func WithCloseLinger(linger time.Duration) Option {
	return func(c *config) error {
		if linger < 0 {
			return errors.New("close linger must be positive")
		}
		c.closeLinger = linger
		return nil
	}
}

// WithGraceWindow controls how long a closed socket stays in the registry
// so its remaining events can still be collected.
func WithGraceWindow(window time.Duration) Option {
	return func(c *config) error {
		if window < 0 {
			return errors.New("grace window must be positive")
		}
		c.graceWindow = window
		return nil
	}
}

// WithDefaultBacklog sets the backlog used when `Manager.Listen` is called
// without one.
func WithDefaultBacklog(backlog int) Option {
	return func(c *config) error {
		if backlog <= 0 {
			backlog = DefaultBacklog
		}
		c.backlog = backlog
		return nil
	}
}

// WithHighWaterMark bounds the number of events held for a single handle
// while it is paused or nobody consumes its events. Past this mark the
// oldest events are dropped and an `ErrBufferOverrun` event is emitted.
func WithHighWaterMark(events int) Option {
	return func(c *config) error {
		if events < 2 {
			return errors.New("high-water mark must be at least 2")
		}
		c.highWaterMark = events
		return nil
	}
}

// WithMaxSockets bounds the number of live handles.
func WithMaxSockets(max int) Option {
	return func(c *config) error {
		if max <= 0 {
			return errors.New("max sockets must be positive")
		}
		c.maxSockets = max
		return nil
	}
}

// WithAcceptPaused makes accepted connections start paused, so nothing is
// delivered before you had a chance to look at them.
func WithAcceptPaused(paused bool) Option {
	return func(c *config) error {
		c.acceptPaused = paused
		return nil
	}
}

// WithClock replaces the clock driving the grace window timers.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			return errors.New("clock must not be nil")
		}
		c.clock = clk
		return nil
	}
}
