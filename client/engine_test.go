package client

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

func testConfig(addr string, port int) Config {
	return Config{
		ServerAddress: addr,
		ServerPort:    port,
		ClientID:      "c1",
		TimeoutMS:     200,
	}
}

func listenerAddr(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

// acceptHandshake accepts one connection from ln, reads its Handshake
// frame and replies with an ACK, returning the socket and a reader
// positioned right after the handshake.
func acceptHandshake(t *testing.T, ln net.Listener) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	f, err := frame.Decode(r)
	require.NoError(t, err)
	require.Equal(t, frame.KindHandshake, f.Kind)
	conn.SetReadDeadline(time.Time{})
	ackWire, _ := frame.Encode(frame.NewAck(f.Mid))
	_, err = conn.Write(ackWire)
	require.NoError(t, err)
	return conn, r
}

func TestAwaitConnectedAfterHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	host, port := listenerAddr(t, ln)

	e := NewEngine(testConfig(host, port))
	defer e.Close()

	conn, _ := acceptHandshake(t, ln)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.AwaitConnected(ctx))
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, 1, e.Connects())
}

func TestWriteQosWaitsForAck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	host, port := listenerAddr(t, ln)

	e := NewEngine(testConfig(host, port))
	defer e.Close()

	conn, r := acceptHandshake(t, ln)
	defer conn.Close()

	writeDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		writeDone <- e.Write(ctx, []byte("hello\n"), nil, true, true)
	}()

	var got frame.Frame
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		f, err := frame.Decode(r)
		require.NoError(t, err)
		if f.Kind == frame.KindData {
			got = f
			break
		}
	}
	assert.Equal(t, "hello\n", string(got.Body))

	ackWire, _ := frame.Encode(frame.NewAck(got.Mid))
	_, err = conn.Write(ackWire)
	require.NoError(t, err)

	require.NoError(t, <-writeDone)
}

func TestReadLineDeliversData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	host, port := listenerAddr(t, ln)

	e := NewEngine(testConfig(host, port))
	defer e.Close()

	conn, _ := acceptHandshake(t, ln)
	defer conn.Close()

	wire, _ := frame.Encode(frame.NewData(1, nil, []byte("world\n"), false))
	_, err = conn.Write(wire)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, body, err := e.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world\n", string(body))
}

func TestReconnectsAfterOutage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	host, port := listenerAddr(t, ln)

	e := NewEngine(testConfig(host, port))
	defer e.Close()

	conn1, _ := acceptHandshake(t, ln)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, e.AwaitConnected(ctx))
	cancel()
	conn1.Close()

	conn2, _ := acceptHandshake(t, ln)
	defer conn2.Close()

	require.Eventually(t, func() bool { return e.Connects() == 2 }, 2*time.Second, time.Millisecond)
}
