// Package linkerr defines the error kinds shared by the frame codec, the
// client engine and the server connection manager.
//
// Transport failures (PeerDisconnect, Timeout, QueueOverflow) are recovered
// locally by the owning Connection and never escape to application code;
// they are exported here only so tests and logging call sites can classify
// a failure with errors.Is. ValueTooLarge and the first-attempt hook errors
// are the only kinds application code is expected to see.
package linkerr

import "github.com/pkg/errors"

// Sentinel errors. Use errors.Is to test for a specific kind; use
// errors.Wrap/errors.Wrapf when adding call-site context.
var (
	// ErrMalformedFrame is returned by the codec when a byte sequence
	// cannot be decoded as a frame (bad hex, a missing newline terminator,
	// an unrecognised flag byte). A short read is not reported with this
	// error; the codec returns the read error itself. The caller drops the
	// frame and keeps reading.
	ErrMalformedFrame = errors.New("linkio: malformed frame")

	// ErrValueTooLarge is returned synchronously from Write when the body
	// exceeds 65535 bytes or the header exceeds 255 bytes. Nothing is
	// written to the socket.
	ErrValueTooLarge = errors.New("linkio: value too large")

	// ErrPeerDisconnect marks an EOF or reset observed from the peer.
	ErrPeerDisconnect = errors.New("linkio: peer disconnected")

	// ErrTimeout marks read inactivity or a partial-write budget being
	// exceeded. A qos retry deadline does not produce it: the frame is
	// retransmitted instead.
	ErrTimeout = errors.New("linkio: timeout")

	// ErrQueueOverflow marks a full inbox (slow consumer).
	ErrQueueOverflow = errors.New("linkio: inbox overflow")

	// ErrNoInitialWiFi is what the default bad_wifi hook returns.
	// client.Engine does not manage the radio and never invokes that hook.
	ErrNoInitialWiFi = errors.New("linkio: no initial wifi connection")

	// ErrNoInitialServer is raised by the default bad_server hook on the
	// client's first connection attempt.
	ErrNoInitialServer = errors.New("linkio: no initial server connection")
)

// Wrap attaches call-site context to one of the sentinel errors above while
// preserving errors.Is/errors.Cause compatibility.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
