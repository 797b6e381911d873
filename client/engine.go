// Package client implements the client-side connection engine from
// spec.md §4.4: connect/handshake/read/write/keepalive state machine,
// outage detection, retransmission and ordering, all behind a blocking
// ReadLine/Write API that simply pauses during outages.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
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

// retryDelay is how long the run loop waits between TCP connect attempts
// after the first (which is governed by the bad_server hook instead).
const retryDelay = time.Second

// partialWritePause is the sleep between partial-write retries, matching
// original_source/iot/client.py's 20ms pause.
const partialWritePause = 20 * time.Millisecond

// session holds the state scoped to one Active attempt: its own socket and
// its own failure signal, discarded on every reconnect.
type session struct {
	conn net.Conn

	lastTxMu sync.Mutex
	lastTx   time.Time

	failOnce sync.Once
	failCh   chan struct{}
	failErr  error
}

func newSession(conn net.Conn) *session {
	return &session{conn: conn, lastTx: time.Now(), failCh: make(chan struct{})}
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		close(s.failCh)
	})
}

// Engine is one client-side Connection: one instance per client process,
// reconnecting indefinitely until Close.
type Engine struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	state    State
	sess     *session
	connects int

	sendMu       sync.Mutex // per-connection send lock (spec.md §5)
	writeOrderMu sync.Mutex // serialises qos+wait writes end-to-end

	pending *pendingack.Set
	dedup   *mid.Filter
	inbox   *queue.Queue
	gen     *mid.Generator

	evOK *signal.Event // set once a frame has been received since (re)connect

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	closeOnce  sync.Once
	done       chan struct{}
}

// NewEngine constructs and starts an Engine. It begins connecting
// immediately in the background; use AwaitConnected to pause until the
// first handshake completes.
func NewEngine(cfg Config) *Engine {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "client").WithField("client_id", cfg.ClientID),
		pending:    pendingack.NewSet(),
		dedup:      mid.NewFilter(),
		inbox:      queue.New(inboxCapacity),
		gen:        &mid.Generator{},
		evOK:       signal.New(),
		rootCtx:    ctx,
		cancelRoot: cancel,
		done:       make(chan struct{}),
	}
	go e.run()
	return e
}

// **** Public API (spec.md §4.4, §6) ****

// AwaitConnected pauses until the engine has received at least one frame
// from the server and is not currently Failing. Idempotent and
// re-awaitable across outages.
func (e *Engine) AwaitConnected(ctx context.Context) error {
	return e.evOK.Wait(ctx)
}

// Status reports whether the engine has seen data since its last
// (re)connect.
func (e *Engine) Status() bool {
	return e.evOK.IsSet()
}

// Connects returns the number of successful transitions into Active.
func (e *Engine) Connects() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects
}

// State returns the engine's current Connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ReadLine pauses until a non-keepalive, non-duplicate Data frame has been
// received, returning its decoded header (if any) and body.
func (e *Engine) ReadLine(ctx context.Context) (header, body []byte, err error) {
	l, err := e.inbox.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	return l.Header, l.Body, nil
}

// Write hands body to the transmit path. With qos and wait both true, the
// call pauses until the pending-ACK set is empty before emitting (so
// successive qos+wait writes are delivered in order), and returns only once
// an ACK for this message has been received — retransmission across
// outages is automatic. With qos false, delivery is at-most-once and the
// call returns once the frame has been handed to an active socket.
func (e *Engine) Write(ctx context.Context, body, header []byte, qos, wait bool) error {
	if len(body) > 65535 || len(header) > 255 {
		return linkerr.ErrValueTooLarge
	}
	if qos && wait {
		e.writeOrderMu.Lock()
		defer e.writeOrderMu.Unlock()
		if err := e.pending.WaitEmpty(ctx); err != nil {
			return err
		}
	}

	m := e.gen.Next()
	if qos {
		e.pending.Add(m)
	}
	f := frame.NewData(m, header, body, qos)
	wire, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if err := e.writeRaw(ctx, wire); err != nil {
		return err
	}
	if qos {
		return e.doQos(ctx, m, wire)
	}
	return nil
}

// Close closes the socket and terminates all background tasks. Idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancelRoot()
		e.cfg.WatchdogFeed()
	})
	<-e.done
	return nil
}

// **** internals ****

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) currentSession() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *Engine) sleepOrClose(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-e.rootCtx.Done():
		return true
	}
}

// run drives the Disconnected -> Connecting -> HandshakeSent -> Active ->
// Failing -> Disconnected cycle of spec.md §4.4 until Close is called.
func (e *Engine) run() {
	defer close(e.done)
	addr := fmt.Sprintf("%s:%d", e.cfg.ServerAddress, e.cfg.ServerPort)
	first := true

	for {
		if e.rootCtx.Err() != nil {
			return
		}
		e.setState(StateConnecting)

		conn, err := net.DialTimeout("tcp", addr, e.cfg.timeout())
		if err != nil {
			e.log.WithError(err).Debug("connect failed")
			if first {
				if herr := e.cfg.BadServer(e.rootCtx); herr != nil {
					e.log.WithError(herr).Error("bad_server hook terminated client")
					e.setState(StateDisconnected)
					return
				}
			}
			if e.sleepOrClose(retryDelay) {
				return
			}
			continue
		}

		sent := e.runSession(conn, first)
		first = false

		if e.rootCtx.Err() != nil {
			return
		}
		if !sent {
			// Never reached Active: treat like any other failed attempt,
			// just without the 2*timeout settle (peer never saw us).
			if e.sleepOrClose(retryDelay) {
				return
			}
			continue
		}
		if e.sleepOrClose(2 * e.cfg.timeout()) {
			return
		}
	}
}

// runSession owns one TCP connection end to end: handshake, reader,
// keepalive, and waiting for failure. Returns whether the handshake was
// sent successfully (i.e. whether this session ever had a chance to reach
// Active).
func (e *Engine) runSession(conn net.Conn, first bool) bool {
	sess := newSession(conn)
	e.mu.Lock()
	e.state = StateHandshakeSent
	e.sess = sess
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(e.rootCtx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runReader(ctx, sess, first)
	}()

	// Give the reader a moment to be scheduled before we send: the server
	// cannot dispatch us until it has read our handshake.
	time.Sleep(50 * time.Millisecond)

	hs := frame.NewHandshake(e.cfg.ClientID)
	wire, _ := frame.Encode(hs)
	sent := e.sendOnSession(ctx, sess, wire)

	if sent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runKeepalive(ctx, sess)
		}()

		select {
		case <-sess.failCh:
		case <-e.rootCtx.Done():
		}
	} else if first {
		if herr := e.cfg.BadServer(e.rootCtx); herr != nil {
			e.log.WithError(herr).Error("bad_server hook terminated client")
			cancel()
			wg.Wait()
			e.teardownSession(sess, false)
			e.cancelRoot()
			return false
		}
	}

	cancel()
	wg.Wait()
	// wasActive reflects whether onFirstByte actually fired this session
	// (sent only means the handshake write succeeded), so ConnectedCB's
	// false is only reported if a matching true was reported earlier.
	e.teardownSession(sess, e.evOK.IsSet())
	return sent
}

func (e *Engine) teardownSession(sess *session, wasActive bool) {
	sess.conn.Close()
	e.evOK.Clear()
	e.mu.Lock()
	e.state = StateFailing
	e.sess = nil
	e.mu.Unlock()
	if wasActive {
		e.cfg.Metrics.DecActive()
		if e.cfg.ConnectedCB != nil {
			e.cfg.ConnectedCB(false)
		}
	}
	e.setState(StateDisconnected)
}

// onFirstByte marks the transition into Active on arrival of the first
// inbound byte of a session (handshake ACK, data, or keepalive — any of
// them count, per spec.md §4.4).
func (e *Engine) onFirstByte() {
	e.mu.Lock()
	e.state = StateActive
	e.connects++
	e.mu.Unlock()
	e.evOK.Set()
	e.cfg.Metrics.IncActive()
	e.cfg.Metrics.IncHandshakes()
	if e.cfg.ConnectedCB != nil {
		e.cfg.ConnectedCB(true)
	}
	e.log.Info("connected")
}

func (e *Engine) runReader(ctx context.Context, sess *session, firstConnect bool) {
	r := bufio.NewReader(sess.conn)
	timeout := e.cfg.timeout()
	deadline := timeout
	if firstConnect {
		deadline = 2 * timeout
	}
	for {
		if ctx.Err() != nil {
			return
		}
		sess.conn.SetReadDeadline(time.Now().Add(deadline))
		f, err := frame.Decode(r)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				sess.fail(linkerr.Wrap(linkerr.ErrTimeout, "read inactivity"))
				return
			}
			if errors.Is(err, linkerr.ErrMalformedFrame) {
				e.log.WithError(err).Warn("dropping malformed frame")
				continue
			}
			sess.fail(linkerr.Wrap(linkerr.ErrPeerDisconnect, "read"))
			return
		}
		deadline = timeout
		e.cfg.Metrics.IncFramesReceived()
		e.cfg.WatchdogFeed()

		if !e.evOK.IsSet() {
			e.onFirstByte()
		}

		switch f.Kind {
		case frame.KindKeepalive:
			continue
		case frame.KindAck:
			e.pending.Discard(f.Mid)
			continue
		case frame.KindHandshake:
			continue // clients never receive a handshake; tolerate and ignore
		case frame.KindData:
			if f.Ack {
				go e.sendAck(sess, f.Mid)
			}
			if f.Mid == 0 {
				e.dedup.IsNew(-1)
			}
			if e.dedup.IsNew(int(f.Mid)) {
				if err := e.inbox.TryPut(queue.Line{Header: f.Header, Body: f.Body}); err != nil {
					e.cfg.Metrics.IncQueueOverflows()
					sess.fail(linkerr.Wrap(linkerr.ErrQueueOverflow, "inbox full"))
					return
				}
			} else {
				e.cfg.Metrics.IncDuplicatesDropped()
			}
		}
	}
}

func (e *Engine) sendAck(sess *session, m byte) {
	wire, err := frame.Encode(frame.NewAck(m))
	if err != nil {
		return
	}
	e.sendOnSession(context.Background(), sess, wire)
}

func (e *Engine) runKeepalive(ctx context.Context, sess *session) {
	interval := e.cfg.keepaliveInterval()
	for {
		sess.lastTxMu.Lock()
		due := interval - time.Since(sess.lastTx)
		sess.lastTxMu.Unlock()

		if due <= 0 {
			wire, _ := frame.Encode(frame.Keepalive)
			if !e.sendOnSession(ctx, sess, wire) {
				return
			}
			due = interval
		}
		select {
		case <-time.After(due):
		case <-ctx.Done():
			return
		case <-sess.failCh:
			return
		}
	}
}

// writeRaw waits for an Active session and writes wire to it, retrying
// across reconnects until it succeeds or ctx is done. It never gives up on
// a transient outage (original_source/iot/client.py's `_write`).
func (e *Engine) writeRaw(ctx context.Context, wire []byte) error {
	for {
		if err := e.evOK.Wait(ctx); err != nil {
			return err
		}
		sess := e.currentSession()
		if sess == nil {
			continue
		}
		if e.sendOnSession(ctx, sess, wire) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// sendOnSession performs one bounded, lock-serialised write attempt against
// sess. It returns false (and fails sess) on any socket error or if the
// partial-write budget is exceeded.
func (e *Engine) sendOnSession(ctx context.Context, sess *session, data []byte) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	deadline := time.Now().Add(e.cfg.timeout())
	for len(data) > 0 {
		select {
		case <-sess.failCh:
			return false
		default:
		}
		sess.conn.SetWriteDeadline(time.Now().Add(e.cfg.timeout()))
		n, err := sess.conn.Write(data)
		if err != nil {
			e.log.WithError(err).Debug("write failed")
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
	e.cfg.Metrics.IncFramesSent()
	e.cfg.WatchdogFeed()
	return true
}

// doQos retransmits wire, verbatim and with the same mid, until an ACK is
// observed or ctx is done (spec.md §9's resolution of the retransmission
// open question: resend until ACKed).
func (e *Engine) doQos(ctx context.Context, m byte, wire []byte) error {
	for {
		if err := e.evOK.Wait(ctx); err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, e.cfg.timeout())
		err := e.pending.WaitNotContains(waitCtx, m)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.cfg.Metrics.IncRetransmits()
		e.log.WithField("mid", m).Debug("qos retransmit")
		if err := e.writeRaw(ctx, wire); err != nil {
			return err
		}
	}
}
