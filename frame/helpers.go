package frame

// NewData builds a Data frame. ackRequested sets preheader byte 4 bit 0.
func NewData(mid byte, header, body []byte, ackRequested bool) Frame {
	return Frame{Mid: mid, Kind: KindData, Ack: ackRequested, Header: header, Body: body}
}

// NewAck builds the ACK frame for a received mid.
func NewAck(mid byte) Frame {
	return Frame{Mid: mid, Kind: KindAck}
}

// NewHandshake builds the first frame a client sends after TCP connect. The
// body carries the client's identifier followed by a newline, and mid is
// conventionally 0x2C for historical reasons (spec.md §6).
func NewHandshake(clientID string) Frame {
	id := clientID
	if len(id) == 0 || id[len(id)-1] != '\n' {
		id += "\n"
	}
	return Frame{Mid: 0x2C, Kind: KindHandshake, Body: []byte(id)}
}
