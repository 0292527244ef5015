// Package protocol implements the Socket.IO v0.9 wire format: the colon-
// separated packet grammar and the U+FFFD-delimited multi-packet framing
// used by the polling transports.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// PacketType identifies the Socket.IO packet kind carried in the first
// wire field.
type PacketType int

const (
	Disconnect PacketType = 0
	Connect    PacketType = 1
	Heartbeat  PacketType = 2
	Message    PacketType = 3
	JSON       PacketType = 4
	Event      PacketType = 5
	Ack        PacketType = 6
	Error      PacketType = 7
	Noop       PacketType = 8
)

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case Disconnect:
		return "disconnect"
	case Connect:
		return "connect"
	case Heartbeat:
		return "heartbeat"
	case Message:
		return "message"
	case JSON:
		return "json"
	case Event:
		return "event"
	case Ack:
		return "ack"
	case Error:
		return "error"
	case Noop:
		return "noop"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ErrMalformedPacket is returned when a byte buffer does not satisfy the
// packet grammar TYPE ":" [ID] ":" [ENDPOINT] [":" DATA].
var ErrMalformedPacket = errors.New("socketio: malformed packet")

// Packet is a single Socket.IO protocol unit. Packets are value objects;
// none of the codec functions retain or mutate them after construction.
//
// ID keeps a trailing '+' verbatim when the client requested an ack; no
// ack correlation happens at this layer. A nil Data means the wire form
// had no data field at all, while an empty non-nil Data round-trips as a
// present-but-empty field (compare "8::" and "2:::").
type Packet struct {
	Type     PacketType
	ID       string
	Endpoint string
	Data     []byte
}

// Encode renders the packet in wire form.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(4 + len(p.ID) + len(p.Endpoint) + len(p.Data))
	buf.WriteByte(byte('0' + int(p.Type)))
	buf.WriteByte(':')
	buf.WriteString(p.ID)
	buf.WriteByte(':')
	buf.WriteString(p.Endpoint)
	if p.Data != nil {
		buf.WriteByte(':')
		buf.Write(p.Data)
	}
	return buf.Bytes()
}

// Decode parses a single packet from raw. The whole buffer is consumed;
// callers splitting framed payloads hand in one packet at a time.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < 2 || raw[0] < '0' || raw[0] > '8' || raw[1] != ':' {
		return Packet{}, fmt.Errorf("%w: bad type token in %q", ErrMalformedPacket, truncate(raw))
	}
	p := Packet{Type: PacketType(raw[0] - '0')}

	rest := raw[2:]
	sep := bytes.IndexByte(rest, ':')
	if sep < 0 {
		return Packet{}, fmt.Errorf("%w: missing id separator in %q", ErrMalformedPacket, truncate(raw))
	}
	p.ID = string(rest[:sep])
	rest = rest[sep+1:]

	if sep = bytes.IndexByte(rest, ':'); sep < 0 {
		// No data field: the remainder is the endpoint.
		p.Endpoint = string(rest)
		return p, nil
	}
	p.Endpoint = string(rest[:sep])
	p.Data = append([]byte{}, rest[sep+1:]...)
	return p, nil
}

// truncate bounds raw packet bytes embedded in error messages.
func truncate(raw []byte) []byte {
	const max = 32
	if len(raw) > max {
		return raw[:max]
	}
	return raw
}
