package server

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterhinch/golink/frame"
)

func testConfig() Config {
	return Config{Address: "127.0.0.1", Port: 0, TimeoutMS: 200}
}

func waitForAddr(t *testing.T, m *Manager) net.Addr {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a := m.Addr(); a != nil {
			return a
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("manager never bound a listener")
	return nil
}

// dialAndHandshake opens a raw TCP connection that speaks the client side
// of the handshake by hand, returning the socket and a reader positioned
// right after the handshake ACK.
func dialAndHandshake(t *testing.T, addr net.Addr, id string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	wire, err := frame.Encode(frame.NewHandshake(id))
	require.NoError(t, err)
	_, err = conn.Write(wire)
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	ack, err := frame.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, frame.KindAck, ack.Kind)
	conn.SetReadDeadline(time.Time{})
	return conn, r
}

func TestHandshakeCreatesConnection(t *testing.T) {
	m := NewManager(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	addr := waitForAddr(t, m)

	conn, _ := dialAndHandshake(t, addr, "c1")
	defer conn.Close()

	c, err := m.ClientConn(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Status())
	assert.Equal(t, "c1", c.ID())
}

func TestDuplicateClientRejected(t *testing.T) {
	m := NewManager(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	addr := waitForAddr(t, m)

	conn1, _ := dialAndHandshake(t, addr, "c1")
	defer conn1.Close()
	_, err := m.ClientConn(ctx, "c1")
	require.NoError(t, err)

	conn2, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn2.Close()
	wire, _ := frame.Encode(frame.NewHandshake("c1"))
	_, err = conn2.Write(wire)
	require.NoError(t, err)

	conn2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn2.Read(buf)
	assert.Error(t, err, "second socket must be closed without an ACK")

	c, err := m.ClientConn(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Status(), "original connection must be unaffected")
}

func TestReconnectRebindsSameConnection(t *testing.T) {
	m := NewManager(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	addr := waitForAddr(t, m)

	conn1, _ := dialAndHandshake(t, addr, "c1")
	first, err := m.ClientConn(ctx, "c1")
	require.NoError(t, err)

	conn1.Close()
	require.Eventually(t, func() bool { return !first.Status() }, time.Second, time.Millisecond)

	conn2, _ := dialAndHandshake(t, addr, "c1")
	defer conn2.Close()
	require.Eventually(t, func() bool { return first.Status() }, time.Second, time.Millisecond)

	// Each handshaken session is one transition into Active; send a
	// keepalive on the rebound socket and expect the second one counted.
	_, err = conn2.Write([]byte("\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.Connects() == 2 }, time.Second, time.Millisecond)

	second, err := m.ClientConn(ctx, "c1")
	require.NoError(t, err)
	assert.Same(t, first, second, "reconnect must rebind, not recreate, the Connection")
}

func TestReadLineAndWriteRoundTrip(t *testing.T) {
	m := NewManager(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	addr := waitForAddr(t, m)

	conn, r := dialAndHandshake(t, addr, "c1")
	defer conn.Close()
	c, err := m.ClientConn(ctx, "c1")
	require.NoError(t, err)

	wire, _ := frame.Encode(frame.NewData(1, nil, []byte("hello\n"), true))
	_, err = conn.Write(wire)
	require.NoError(t, err)

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	_, body, err := c.ReadLine(rctx)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(body))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	ack, err := frame.Decode(r)
	require.NoError(t, err)
	assert.Equal(t, frame.KindAck, ack.Kind)
	assert.Equal(t, byte(1), ack.Mid)

	writeDone := make(chan error, 1)
	go func() {
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		writeDone <- c.Write(wctx, []byte("world\n"), nil, true, true)
	}()

	var got frame.Frame
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := frame.Decode(r)
		require.NoError(t, err)
		if f.Kind == frame.KindData {
			got = f
			break
		}
	}
	assert.Equal(t, "world\n", string(got.Body))

	ackWire, _ := frame.Encode(frame.NewAck(got.Mid))
	_, err = conn.Write(ackWire)
	require.NoError(t, err)

	require.NoError(t, <-writeDone)
}
