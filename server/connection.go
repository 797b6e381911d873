// Package server implements the server-side multi-client connection
// manager from spec.md §4.5: accept, per-client Connection objects,
// reconnection binding. A Connection is the server-side mirror of
// client.Engine; it is created once per client id and rebound — never
// recreated — on every reconnect (original_source/server.py's Connection).
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peterhinch/golink/frame"
	"github.com/peterhinch/golink/internal/linkerr"
	"github.com/peterhinch/golink/internal/signal"
	"github.com/peterhinch/golink/mid"
	"github.com/peterhinch/golink/pendingack"
	"github.com/peterhinch/golink/queue"
)

// settleDelay is how long a Connection waits after a session's handshake
// before sending application data (keepalives and ACKs go out at once), letting a
// just-reconnected client "get out of bed" (spec.md §4.5 point 5;
// original_source/server.py's _client_active).
const settleDelay = 200 * time.Millisecond

// partialWritePause is the sleep between partial-write retries.
const partialWritePause = 20 * time.Millisecond

// session holds the state scoped to one bound socket: discarded and
// replaced wholesale on every reconnect, while the owning Connection
// persists.
type session struct {
	conn   net.Conn
	reader *bufio.Reader

	lastTxMu sync.Mutex
	lastTx   time.Time

	failOnce sync.Once
	failCh   chan struct{}
	failErr  error
}

func newSession(conn net.Conn, r *bufio.Reader) *session {
	return &session{conn: conn, reader: r, lastTx: time.Now(), failCh: make(chan struct{})}
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		close(s.failCh)
	})
}

// Connection is one known client's server-side state: created on its
// first handshake, rebound on every later reconnect, destroyed only on
// process shutdown.
type Connection struct {
	id  string
	cfg *Config
	log *logrus.Entry

	mu       sync.Mutex
	sess     *session
	state    State
	connects int
	initRead bool // true until the first line has ever been admitted

	sendMu       sync.Mutex
	writeOrderMu sync.Mutex

	evSock *signal.Event // set while a socket is bound (mirrors Python's status())
	evUp   *signal.Event // set settleDelay after a session's handshake

	pending *pendingack.Set
	dedup   *mid.Filter
	inbox   *queue.Queue
	gen     *mid.Generator

	rootCtx context.Context
	done    chan struct{}
}

// newConnection constructs a Connection bound to the given first socket
// and starts its background reader/keepalive tasks. ctx is the Manager's
// run context: the Connection's tasks run until ctx is done.
func newConnection(ctx context.Context, cfg *Config, id string, conn net.Conn, r *bufio.Reader) *Connection {
	c := &Connection{
		id:       id,
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "server").WithField("client_id", id),
		initRead: true,
		evSock:   signal.New(),
		evUp:     signal.New(),
		pending:  pendingack.NewSet(),
		dedup:    mid.NewFilter(),
		inbox:    queue.New(inboxCapacity),
		gen:      &mid.Generator{},
		rootCtx:  ctx,
		done:     make(chan struct{}),
	}
	c.bind(conn, r)
	go c.run()
	return c
}

// bind installs a new socket for a reconnect (or the initial connect).
// The application-visible Connection identity never changes.
func (c *Connection) bind(conn net.Conn, r *bufio.Reader) {
	sess := newSession(conn, r)
	c.mu.Lock()
	c.sess = sess
	c.state = StateHandshakeSent
	c.mu.Unlock()
	c.evUp.Clear()
	c.evSock.Set()
	go func() {
		select {
		case <-c.rootCtx.Done():
			conn.Close()
		case <-sess.failCh:
		}
	}()
}

func (c *Connection) sendHandshakeAck(m byte) {
	wire, err := frame.Encode(frame.NewAck(m))
	if err != nil {
		return
	}
	if sess := c.currentSession(); sess != nil {
		c.sendOnSession(context.Background(), sess, wire)
	}
}

// ID returns the client identifier this Connection is bound to.
func (c *Connection) ID() string { return c.id }

// Status reports whether a socket is currently bound, mirroring
// original_source/server.py's Connection.status().
func (c *Connection) Status() bool { return c.evSock.IsSet() }

// State returns the Connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connects returns the number of successful transitions into Active.
func (c *Connection) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// AwaitConnected pauses until a socket is bound, re-awaitable across
// reconnects (spec.md §6's API shape, applied server-side).
func (c *Connection) AwaitConnected(ctx context.Context) error {
	return c.evSock.Wait(ctx)
}

// ReadLine pauses until a non-keepalive, non-duplicate Data frame has been
// received.
func (c *Connection) ReadLine(ctx context.Context) (header, body []byte, err error) {
	l, err := c.inbox.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return l.Header, l.Body, nil
}

// Write mirrors client.Engine.Write: qos+wait serialises and orders
// successive calls; qos alone retransmits until ACKed.
func (c *Connection) Write(ctx context.Context, body, header []byte, qos, wait bool) error {
	if len(body) > 65535 || len(header) > 255 {
		return linkerr.ErrValueTooLarge
	}
	if qos && wait {
		c.writeOrderMu.Lock()
		defer c.writeOrderMu.Unlock()
		if err := c.pending.WaitEmpty(ctx); err != nil {
			return err
		}
	}

	m := c.gen.Next()
	if qos {
		c.pending.Add(m)
	}
	f := frame.NewData(m, header, body, qos)
	wire, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if err := c.writeRaw(ctx, wire); err != nil {
		return err
	}
	if qos {
		return c.doQos(ctx, m, wire)
	}
	return nil
}

// **** internals ****

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) currentSession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Connection) takeInitRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initRead {
		c.initRead = false
		return true
	}
	return false
}

// closeCurrentSocket forces the bound socket, if any, to fail — used by
// Manager.CloseAll for an orderly shutdown independent of context
// cancellation timing.
func (c *Connection) closeCurrentSocket() {
	if sess := c.currentSession(); sess != nil {
		sess.fail(linkerr.Wrap(linkerr.ErrPeerDisconnect, "closed by manager"))
		sess.conn.Close()
	}
}

// run drives the Connection's two long-lived background tasks for as long
// as the Manager's context is alive. Unlike the client engine, a
// Connection is not recreated on reconnect — only the bound socket is —
// so these loops run exactly once per process lifetime.
func (c *Connection) run() {
	defer close(c.done)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readerLoop()
	}()
	go func() {
		defer wg.Done()
		c.keepaliveLoop()
	}()
	wg.Wait()
}

func (c *Connection) readerLoop() {
	for {
		if c.rootCtx.Err() != nil {
			return
		}
		if err := c.evSock.Wait(c.rootCtx); err != nil {
			return
		}
		sess := c.currentSession()
		if sess == nil {
			continue
		}
		c.runSession(sess)
	}
}

func (c *Connection) runSession(sess *session) {
	timeout := c.cfg.timeout()
	deadline := 2 * timeout
	// The Manager has already read this session's handshake, so the session
	// is Active from the start.
	c.onFirstByte(sess)
	for {
		if c.rootCtx.Err() != nil {
			return
		}
		select {
		case <-sess.failCh:
			return
		default:
		}
		sess.conn.SetReadDeadline(time.Now().Add(deadline))
		f, err := frame.Decode(sess.reader)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				sess.fail(linkerr.Wrap(linkerr.ErrTimeout, "read inactivity"))
			} else if errors.Is(err, linkerr.ErrMalformedFrame) {
				c.log.WithError(err).Warn("dropping malformed frame")
				continue
			} else {
				sess.fail(linkerr.Wrap(linkerr.ErrPeerDisconnect, "read"))
			}
			c.closeSession(sess)
			return
		}
		deadline = timeout
		c.cfg.Metrics.IncFramesReceived()

		switch f.Kind {
		case frame.KindKeepalive:
			continue
		case frame.KindAck:
			c.pending.Discard(f.Mid)
			continue
		case frame.KindHandshake:
			continue // a second handshake on an already-bound socket: ignore
		case frame.KindData:
			if f.Ack {
				go c.sendAck(sess, f.Mid)
			}
			var accept bool
			switch {
			case c.takeInitRead():
				accept = true
			case f.Mid == 0:
				c.dedup.IsNew(-1)
				accept = true
			default:
				accept = c.dedup.IsNew(int(f.Mid))
			}
			if accept {
				if err := c.inbox.TryPut(queue.Line{Header: f.Header, Body: f.Body}); err != nil {
					c.cfg.Metrics.IncQueueOverflows()
					sess.fail(linkerr.Wrap(linkerr.ErrQueueOverflow, "inbox full"))
					c.closeSession(sess)
					return
				}
			} else {
				c.cfg.Metrics.IncDuplicatesDropped()
			}
		}
	}
}

func (c *Connection) onFirstByte(sess *session) {
	c.mu.Lock()
	c.state = StateActive
	c.connects++
	c.mu.Unlock()
	c.cfg.Metrics.IncActive()
	c.cfg.Metrics.IncHandshakes()
	if c.cfg.ConnectedCB != nil {
		c.cfg.ConnectedCB(c.id, true)
	}
	c.log.Info("client active")
	go c.settleThenUp(sess)
}

func (c *Connection) settleThenUp(sess *session) {
	t := time.NewTimer(settleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		c.evUp.Set()
	case <-sess.failCh:
	case <-c.rootCtx.Done():
	}
}

func (c *Connection) closeSession(sess *session) {
	sess.conn.Close()
	c.evUp.Clear()
	c.evSock.Clear()
	c.mu.Lock()
	wasActive := c.state == StateActive
	c.sess = nil
	c.mu.Unlock()
	c.setState(StateFailing)
	if wasActive {
		c.cfg.Metrics.DecActive()
		if c.cfg.ConnectedCB != nil {
			c.cfg.ConnectedCB(c.id, false)
		}
	}
	c.setState(StateDisconnected)
}

func (c *Connection) sendAck(sess *session, m byte) {
	wire, err := frame.Encode(frame.NewAck(m))
	if err != nil {
		return
	}
	c.sendOnSession(context.Background(), sess, wire)
}

func (c *Connection) keepaliveLoop() {
	for {
		if c.rootCtx.Err() != nil {
			return
		}
		if err := c.evSock.Wait(c.rootCtx); err != nil {
			return
		}
		sess := c.currentSession()
		if sess == nil {
			continue
		}
		c.runKeepalive(sess)
	}
}

func (c *Connection) runKeepalive(sess *session) {
	interval := c.cfg.keepaliveInterval()
	for {
		sess.lastTxMu.Lock()
		due := interval - time.Since(sess.lastTx)
		sess.lastTxMu.Unlock()

		if due <= 0 {
			wire, _ := frame.Encode(frame.Keepalive)
			if !c.sendOnSession(c.rootCtx, sess, wire) {
				return
			}
			due = interval
		}
		select {
		case <-time.After(due):
		case <-c.rootCtx.Done():
			return
		case <-sess.failCh:
			return
		}
	}
}

// writeRaw waits for a bound socket and, for application data (as opposed
// to keepalives and ACKs), for the settle delay to elapse, then writes
// wire — retrying across reconnects until it succeeds or ctx is done.
func (c *Connection) writeRaw(ctx context.Context, wire []byte) error {
	for {
		if err := c.evSock.Wait(ctx); err != nil {
			return err
		}
		if err := c.evUp.Wait(ctx); err != nil {
			return err
		}
		sess := c.currentSession()
		if sess == nil {
			continue
		}
		if c.sendOnSession(ctx, sess, wire) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// sendOnSession performs one bounded, lock-serialised write attempt
// against sess.
func (c *Connection) sendOnSession(ctx context.Context, sess *session, data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	deadline := time.Now().Add(c.cfg.timeout())
	for len(data) > 0 {
		select {
		case <-sess.failCh:
			return false
		default:
		}
		sess.conn.SetWriteDeadline(time.Now().Add(c.cfg.timeout()))
		n, err := sess.conn.Write(data)
		if err != nil {
			c.log.WithError(err).Debug("write failed")
			sess.fail(linkerr.Wrap(linkerr.ErrPeerDisconnect, "write"))
			return false
		}
		data = data[n:]
		if len(data) > 0 {
			select {
			case <-time.After(partialWritePause):
			case <-ctx.Done():
				return false
			case <-sess.failCh:
				return false
			}
			if time.Now().After(deadline) {
				sess.fail(linkerr.Wrap(linkerr.ErrTimeout, "partial write budget exceeded"))
				return false
			}
		}
	}

	sess.lastTxMu.Lock()
	sess.lastTx = time.Now()
	sess.lastTxMu.Unlock()
	c.cfg.Metrics.IncFramesSent()
	return true
}

// doQos retransmits wire, verbatim and with the same mid, until an ACK is
// observed or ctx is done.
func (c *Connection) doQos(ctx context.Context, m byte, wire []byte) error {
	for {
		if err := c.evSock.Wait(ctx); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
		err := c.pending.WaitNotContains(waitCtx, m)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cfg.Metrics.IncRetransmits()
		c.log.WithField("mid", m).Debug("qos retransmit")
		if err := c.writeRaw(ctx, wire); err != nil {
			return err
		}
	}
}
