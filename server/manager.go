package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peterhinch/golink/frame"
	"github.com/peterhinch/golink/internal/linkerr"
)

// pollInterval is how often ClientConn/WaitAll re-check the connection map
// while waiting for a client that hasn't connected yet, mirroring
// original_source/server.py's 0.5s poll.
const pollInterval = 500 * time.Millisecond

// handshakeTimeout bounds how long a freshly accepted socket has to
// complete the handshake before it is dropped silently (spec.md §4.5
// point 3).
const handshakeTimeout = 5 * time.Second

// Manager is the server connection manager of spec.md §4.5: a singleton
// that accepts sockets, reads the handshake, and routes each one to a
// per-client Connection, created on first contact and rebound — never
// recreated — on every later reconnect.
type Manager struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	conns    map[string]*Connection
	expected map[string]struct{}
	ln       net.Listener
}

// NewManager constructs a Manager. Call Run to start accepting.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	expected := make(map[string]struct{}, len(cfg.ExpectedIDs))
	for _, id := range cfg.ExpectedIDs {
		expected[id] = struct{}{}
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "server-manager"),
		conns:    make(map[string]*Connection),
		expected: expected,
	}
}

// Run binds the listening socket and accepts connections until ctx is
// done, returning once the listener is closed.
func (m *Manager) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Address, m.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return linkerr.Wrap(err, "listen")
	}
	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()
	m.log.WithField("addr", addr).Info("awaiting connections")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.WithError(err).Warn("accept failed")
			continue
		}
		go m.handshake(ctx, conn)
	}
}

// handshake reads the first frame off a freshly accepted socket and, if
// it is a valid Handshake, dispatches to the per-client Connection. Any
// other outcome closes the socket silently (spec.md §4.5 point 3).
func (m *Manager) handshake(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(conn)
	f, err := frame.Decode(r)
	if err != nil || f.Kind != frame.KindHandshake {
		m.log.WithError(err).Debug("dropping connection without a valid handshake")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	id := string(bytes.TrimSuffix(f.Body, []byte("\n")))
	m.dispatch(ctx, f.Mid, id, conn, r)
}

// dispatch implements the routing rule of spec.md §4.5 point 4: create a
// Connection on first contact; rebind on reconnect; refuse a duplicate
// concurrent socket for an id whose socket is still bound. r carries any bytes the
// handshake read already buffered ahead, so the Connection's reader
// resumes from exactly where the handshake parse left off.
func (m *Manager) dispatch(ctx context.Context, handshakeMid byte, id string, conn net.Conn, r *bufio.Reader) {
	m.mu.Lock()
	existing, ok := m.conns[id]
	if ok {
		m.mu.Unlock()
		if existing.Status() {
			m.log.WithField("client_id", id).Warn("duplicate client ignored")
			conn.Close()
			return
		}
		m.cfg.Metrics.IncReconnects()
		existing.bind(conn, r)
		existing.sendHandshakeAck(handshakeMid)
		m.log.WithField("client_id", id).Info("client reconnected")
		return
	}

	if _, expected := m.expected[id]; expected {
		delete(m.expected, id)
	} else {
		m.log.WithField("client_id", id).Warn("unknown client connected")
	}
	c := newConnection(ctx, &m.cfg, id, conn, r)
	m.conns[id] = c
	m.mu.Unlock()
	m.log.WithField("client_id", id).Info("new client connected")
	c.sendHandshakeAck(handshakeMid)
}

// Addr returns the bound listener's address once Run has started it, or
// nil beforehand. Chiefly useful when Config.Port is 0 and the actual
// ephemeral port is needed for logging or tests.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// ClientConn pauses until a Connection for id exists and a socket is
// bound, then returns it (spec.md §4.5's client_conn).
func (m *Manager) ClientConn(ctx context.Context, id string) (*Connection, error) {
	for {
		m.mu.Lock()
		c, ok := m.conns[id]
		m.mu.Unlock()
		if ok {
			if err := c.AwaitConnected(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitAll pauses until every id in ids has a Connection, regardless of
// its current socket status (spec.md §4.5's wait_all).
func (m *Manager) WaitAll(ctx context.Context, ids []string) error {
	for {
		m.mu.Lock()
		missing := 0
		for _, id := range ids {
			if _, ok := m.conns[id]; !ok {
				missing++
			}
		}
		m.mu.Unlock()
		if missing == 0 {
			return nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseAll closes the listener and every Connection's current socket.
// Background tasks stop once the context passed to Run is cancelled.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		m.ln.Close()
	}
	for _, c := range m.conns {
		c.closeCurrentSocket()
	}
}
