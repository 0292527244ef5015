package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeVectors(t *testing.T) {
	tests := []struct {
		in   string
		want Packet
	}{
		{"0::/woot", Packet{Type: Disconnect, Endpoint: "/woot"}},
		{"0::", Packet{Type: Disconnect}},
		{"1::/tobi", Packet{Type: Connect, Endpoint: "/tobi"}},
		{"1::/test:?test=1", Packet{Type: Connect, Endpoint: "/test", Data: []byte("?test=1")}},
		{"2:::", Packet{Type: Heartbeat, Data: []byte{}}},
		{"3:::woot", Packet{Type: Message, Data: []byte("woot")}},
		{"3:5:/tobi", Packet{Type: Message, ID: "5", Endpoint: "/tobi"}},
		{"3:::\n", Packet{Type: Message, Data: []byte("\n")}},
		{`4:::"2"`, Packet{Type: JSON, Data: []byte(`"2"`)}},
		{`4:1+::{"a":"b"}`, Packet{Type: JSON, ID: "1+", Data: []byte(`{"a":"b"}`)}},
		{`4:::"Привет"`, Packet{Type: JSON, Data: []byte(`"Привет"`)}},
		{`5:::{"name":"woot"}`, Packet{Type: Event, Data: []byte(`{"name":"woot"}`)}},
		{"6:::140", Packet{Type: Ack, Data: []byte("140")}},
		{`6:::12+["woot","wa"]`, Packet{Type: Ack, Data: []byte(`12+["woot","wa"]`)}},
		{"7:::", Packet{Type: Error, Data: []byte{}}},
		{"7:::0", Packet{Type: Error, Data: []byte("0")}},
		{"7:::2+0", Packet{Type: Error, Data: []byte("2+0")}},
		{"7::/woot", Packet{Type: Error, Endpoint: "/woot"}},
		{"8::", Packet{Type: Noop}},
	}

	for _, tt := range tests {
		got, err := Decode([]byte(tt.in))
		if err != nil {
			t.Errorf("Decode(%q): %v", tt.in, err)
			continue
		}
		if got.Type != tt.want.Type {
			t.Errorf("Decode(%q) type = %v, want %v", tt.in, got.Type, tt.want.Type)
		}
		if got.ID != tt.want.ID {
			t.Errorf("Decode(%q) id = %q, want %q", tt.in, got.ID, tt.want.ID)
		}
		if got.Endpoint != tt.want.Endpoint {
			t.Errorf("Decode(%q) endpoint = %q, want %q", tt.in, got.Endpoint, tt.want.Endpoint)
		}
		if (got.Data == nil) != (tt.want.Data == nil) || !bytes.Equal(got.Data, tt.want.Data) {
			t.Errorf("Decode(%q) data = %q (nil=%v), want %q (nil=%v)",
				tt.in, got.Data, got.Data == nil, tt.want.Data, tt.want.Data == nil)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{"", "3", "9::", "x::", "33::", "3:", "3:5"} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrMalformedPacket) {
			t.Errorf("Decode(%q) = %v, want ErrMalformedPacket", in, err)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkts := []Packet{
		{Type: Heartbeat},
		{Type: Message, Data: []byte("hello")},
		{Type: Message, ID: "5+", Endpoint: "/chat", Data: []byte("hi")},
		{Type: JSON, Data: []byte(`{"a":"b"}`)},
		{Type: Message, Data: []byte("\n")},
		{Type: Noop},
		{Type: Connect, Endpoint: "/news"},
		{Type: Message, Data: []byte{}},
	}
	for _, p := range pkts {
		got, err := Decode(p.Encode())
		if err != nil {
			t.Fatalf("Decode(Encode(%+v)): %v", p, err)
		}
		if got.Type != p.Type || got.ID != p.ID || got.Endpoint != p.Endpoint ||
			(got.Data == nil) != (p.Data == nil) || !bytes.Equal(got.Data, p.Data) {
			t.Errorf("round trip %+v -> %q -> %+v", p, p.Encode(), got)
		}
	}
}

func TestEncodeOmitsDataField(t *testing.T) {
	if got := (Packet{Type: Noop}).Encode(); string(got) != "8::" {
		t.Errorf("noop encoded as %q, want 8::", got)
	}
	if got := (Packet{Type: Heartbeat, Data: []byte{}}).Encode(); string(got) != "2:::" {
		t.Errorf("empty-data heartbeat encoded as %q, want 2:::", got)
	}
}

func TestFramedRoundTrip(t *testing.T) {
	pkts := []Packet{
		{Type: Message, Data: []byte("a")},
		{Type: Heartbeat},
		{Type: JSON, Data: []byte(`"Привет"`)},
	}
	payload := EncodeFrames(pkts)
	got, err := DecodeFrames(payload)
	if err != nil {
		t.Fatalf("DecodeFrames(%q): %v", payload, err)
	}
	if len(got) != len(pkts) {
		t.Fatalf("decoded %d packets, want %d", len(got), len(pkts))
	}
	for i := range pkts {
		if got[i].Type != pkts[i].Type || !bytes.Equal(got[i].Data, pkts[i].Data) {
			t.Errorf("frame %d: got %+v, want %+v", i, got[i], pkts[i])
		}
	}
}

func TestSinglePacketUnframed(t *testing.T) {
	payload := EncodeFrames([]Packet{{Type: Message, Data: []byte("solo")}})
	if string(payload) != "3:::solo" {
		t.Errorf("single packet framed as %q, want bare form", payload)
	}
	pkts, err := DecodeFrames([]byte("3:::solo"))
	if err != nil || len(pkts) != 1 || string(pkts[0].Data) != "solo" {
		t.Errorf("DecodeFrames bare = %v, %v", pkts, err)
	}
}

func TestFramedLengthIsByteCount(t *testing.T) {
	// Multi-byte UTF-8 data must be measured in bytes, not runes.
	pkts := []Packet{
		{Type: Message, Data: []byte("Привет")},
		{Type: Noop},
	}
	got, err := DecodeFrames(EncodeFrames(pkts))
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if string(got[0].Data) != "Привет" || got[1].Type != Noop {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeFramesTruncated(t *testing.T) {
	for _, in := range []string{"�5�3::", "�x�3:::a", "�4", "�"} {
		if _, err := DecodeFrames([]byte(in)); err == nil {
			t.Errorf("DecodeFrames(%q) succeeded, want error", in)
		}
	}
}
