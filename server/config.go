package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peterhinch/golink/internal/metrics"
)

// Config configures a Manager, per spec.md §4.5/§6.
type Config struct {
	Address string // listen address; "" binds all interfaces
	Port    int

	// ExpectedIDs seeds the set a first-time connection is checked
	// against: an id outside this set is still accepted, but logged as
	// unexpected (original_source/server.py's Connection.go).
	ExpectedIDs []string

	TimeoutMS int

	// ConnectedCB is invoked per client id with true on entry to Active,
	// false on entry to Failing.
	ConnectedCB func(id string, up bool)

	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

const (
	defaultPort      = 8123
	defaultTimeoutMS = 2000
	inboxCapacity    = 20
)

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = defaultTimeoutMS
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) keepaliveInterval() time.Duration {
	return c.timeout() / 4
}
