package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestHixie76Digest(t *testing.T) {
	// Handshake example from the hixie-76 draft.
	key1 := "18x 6]8vM;54 *(5:  {   U1]8  z [  8"
	key2 := "1_ tx7X d  <  nw  334J702) 7]o}` 0"
	challenge := []byte("Tm[K T2u")

	digest, err := hixie76Digest(key1, key2, challenge)
	if err != nil {
		t.Fatalf("hixie76Digest: %v", err)
	}
	if string(digest) != "fQJ,fN/4F4!~K~MH" {
		t.Errorf("digest = %q, want %q", digest, "fQJ,fN/4F4!~K~MH")
	}
}

func TestHixieKeyNumber(t *testing.T) {
	n, err := hixieKeyNumber("18x 6]8vM;54 *(5:  {   U1]8  z [  8")
	if err != nil {
		t.Fatalf("hixieKeyNumber: %v", err)
	}
	if n != 155712099 {
		t.Errorf("key number = %d, want 155712099", n)
	}

	if _, err := hixieKeyNumber("no digits here"); err == nil {
		t.Error("key without digits accepted")
	}
	if _, err := hixieKeyNumber("123456"); err == nil {
		t.Error("key without spaces accepted")
	}
}

func TestIsHixie(t *testing.T) {
	hybi := httptest.NewRequest(http.MethodGet, "/", nil)
	hybi.Header.Set("Sec-WebSocket-Version", "13")
	if isHixie(hybi) {
		t.Error("hybi request classified as hixie")
	}

	h76 := httptest.NewRequest(http.MethodGet, "/", nil)
	h76.Header.Set("Sec-WebSocket-Key1", "1 2 3")
	if !isHixie(h76) {
		t.Error("draft-76 request not classified as hixie")
	}

	h75 := httptest.NewRequest(http.MethodGet, "/", nil)
	if !isHixie(h75) {
		t.Error("draft-75 request not classified as hixie")
	}
}

func TestEscapeJSONP(t *testing.T) {
	in := []byte("a\"b\\c\nd\re")
	want := `a\"b\\c\nd\re`
	if got := escapeJSONP(in); got != want {
		t.Errorf("escapeJSONP = %q, want %q", got, want)
	}
}

func TestParseJSONPBody(t *testing.T) {
	form := url.Values{"d": {"3:::jp"}}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := parseJSONPBody(r)
	if err != nil {
		t.Fatalf("parseJSONPBody: %v", err)
	}
	if string(body) != "3:::jp" {
		t.Errorf("body = %q, want 3:::jp", body)
	}

	empty := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	empty.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := parseJSONPBody(empty); err == nil {
		t.Error("missing d field accepted")
	}
}

func TestPolicyServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPolicyServer("127.0.0.1:0")
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(policyRequest)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply != crossDomainPolicy {
		t.Errorf("policy reply = %q", reply)
	}
	if !strings.HasSuffix(reply, "\x00") {
		t.Error("policy reply not NUL-terminated")
	}

	// The server closes the connection after answering.
	if _, err := io.ReadAll(conn); err != nil {
		t.Fatalf("awaiting close: %v", err)
	}
}

func TestPolicyServerIgnoresOtherTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPolicyServer("127.0.0.1:0")
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _ := io.ReadAll(conn)
	if len(data) != 0 {
		t.Errorf("non-policy request got reply %q", data)
	}
}
