package client

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peterhinch/golink/internal/linkerr"
	"github.com/peterhinch/golink/internal/metrics"
)

// Config configures an Engine, per spec.md §6's configuration surface.
type Config struct {
	ServerAddress string
	ServerPort    int
	ClientID      string
	TimeoutMS     int

	// SSID/Password are passed through to an external radio collaborator;
	// the core never dials WiFi itself (spec.md §1's "out of scope").
	SSID     string
	Password string

	// WatchdogSecs documents an external watchdog's period; WatchdogFeed,
	// if set, is invoked on every successful read/keepalive tick and on
	// Close (original_source/iot/client.py's `_feed` hook, supplemented
	// per SPEC_FULL.md §1).
	WatchdogSecs int
	WatchdogFeed func()

	// ConnectedCB is invoked with true on entry to Active, false on entry
	// to Failing.
	ConnectedCB func(bool)

	// BadWiFi/BadServer are the overridable first-attempt-failure hooks
	// from spec.md §7 (ErrNoInitialWiFi / ErrNoInitialServer). The
	// defaults return those errors immediately; applications may
	// override them to retry indefinitely instead. The Engine invokes
	// only BadServer; it never dials WiFi, so BadWiFi is never called.
	BadWiFi   func(ctx context.Context) error
	BadServer func(ctx context.Context) error

	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

const (
	defaultPort      = 8123
	defaultTimeoutMS = 2000
	inboxCapacity    = 20
)

func (c *Config) setDefaults() {
	if c.ServerPort == 0 {
		c.ServerPort = defaultPort
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = defaultTimeoutMS
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.WatchdogFeed == nil {
		c.WatchdogFeed = func() {}
	}
	if c.BadWiFi == nil {
		c.BadWiFi = func(ctx context.Context) error { return linkerr.ErrNoInitialWiFi }
	}
	if c.BadServer == nil {
		c.BadServer = func(ctx context.Context) error { return linkerr.ErrNoInitialServer }
	}
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) keepaliveInterval() time.Duration {
	return c.timeout() / 4
}
