package frame

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		NewData(1, nil, []byte("hello\n"), true),
		NewData(255, []byte("hdr"), []byte("body"), false),
		NewData(0, nil, nil, true),
		NewAck(42),
		NewHandshake("c1"),
		Keepalive,
	}
	for _, f := range cases {
		wire, err := Encode(f)
		require.NoError(t, err)
		got, err := Decode(bufio.NewReader(bytes.NewReader(wire)))
		require.NoError(t, err)
		assert.Equal(t, f.Mid, got.Mid)
		assert.Equal(t, f.Kind, got.Kind)
		assert.Equal(t, f.Ack, got.Ack)
		assert.Equal(t, f.Header, got.Header)
		assert.Equal(t, f.Body, got.Body)
	}
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	_, err := Encode(NewData(1, nil, make([]byte, 65536), false))
	assert.Error(t, err)
}

func TestEncodeRejectsOversizedHeader(t *testing.T) {
	_, err := Encode(NewData(1, make([]byte, 256), nil, false))
	assert.Error(t, err)
}

func TestDecoderToleratesInterleavedKeepalives(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		NewData(1, nil, []byte("a"), false),
		Keepalive,
		NewData(2, nil, []byte("b"), false),
		Keepalive,
		Keepalive,
		NewAck(2),
	}
	for _, f := range frames {
		wire, err := Encode(f)
		require.NoError(t, err)
		buf.Write(wire)
	}

	r := bufio.NewReader(&buf)
	for i, want := range frames {
		got, err := Decode(r)
		require.NoErrorf(t, err, "frame %d", i)
		assert.Equal(t, want.Kind, got.Kind, "frame %d", i)
		assert.Equal(t, want.Mid, got.Mid, "frame %d", i)
		assert.Equal(t, want.Body, got.Body, "frame %d", i)
	}
}

func TestDecodeMalformedPreheader(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("zzzzzzzzzz\n")))
	_, err := Decode(r)
	assert.Error(t, err)
}
