package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// frameSentinel delimits packets in a multi-packet polling payload:
// U+FFFD LEN U+FFFD PAYLOAD, repeated. LEN is the decimal UTF-8 byte
// length of PAYLOAD.
var frameSentinel = []byte("�")

// EncodeFrames renders pkts as a polling payload. A single packet is
// written bare, without framing, matching what v0.9 clients expect for
// the common one-packet case.
func EncodeFrames(pkts []Packet) []byte {
	if len(pkts) == 1 {
		return pkts[0].Encode()
	}
	var buf bytes.Buffer
	for _, p := range pkts {
		enc := p.Encode()
		buf.Write(frameSentinel)
		buf.WriteString(strconv.Itoa(len(enc)))
		buf.Write(frameSentinel)
		buf.Write(enc)
	}
	return buf.Bytes()
}

// DecodeFrames splits a polling payload into its packets. A payload that
// does not start with the framing sentinel is decoded as one bare packet.
func DecodeFrames(raw []byte) ([]Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPacket)
	}
	if !bytes.HasPrefix(raw, frameSentinel) {
		p, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		return []Packet{p}, nil
	}

	var pkts []Packet
	for len(raw) > 0 {
		if !bytes.HasPrefix(raw, frameSentinel) {
			return nil, fmt.Errorf("%w: missing frame sentinel", ErrMalformedPacket)
		}
		raw = raw[len(frameSentinel):]
		end := bytes.Index(raw, frameSentinel)
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated frame length", ErrMalformedPacket)
		}
		n, err := strconv.Atoi(string(raw[:end]))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad frame length %q", ErrMalformedPacket, raw[:end])
		}
		raw = raw[end+len(frameSentinel):]
		if len(raw) < n {
			return nil, fmt.Errorf("%w: frame length %d exceeds payload", ErrMalformedPacket, n)
		}
		p, err := Decode(raw[:n])
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, p)
		raw = raw[n:]
	}
	return pkts, nil
}
