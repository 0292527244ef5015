package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// policyRequest is the literal probe the Flash runtime sends before it
// will open a socket to the server.
const policyRequest = "<policy-file-request/>\x00"

// crossDomainPolicy is served verbatim, NUL-terminated, in answer to a
// policy probe.
const crossDomainPolicy = `<?xml version="1.0"?><!DOCTYPE cross-domain-policy SYSTEM "http://www.macromedia.com/xml/dtds/cross-domain-policy.dtd"><cross-domain-policy><allow-access-from domain="*" to-ports="*"/></cross-domain-policy>` + "\x00"

// policyTimeout bounds a policy exchange; the probe arrives immediately
// after connect or not at all.
const policyTimeout = 10 * time.Second

// PolicyServer answers Flash cross-domain policy probes on a dedicated
// TCP port. The flashsocket transport itself is the websocket framer;
// this listener is the extra piece the Flash runtime requires before it
// will connect.
type PolicyServer struct {
	addr string
	ln   net.Listener
}

// NewPolicyServer creates a policy server bound to addr (typically
// ":843").
func NewPolicyServer(addr string) *PolicyServer {
	return &PolicyServer{addr: addr}
}

// Start begins accepting policy connections until ctx is cancelled.
func (p *PolicyServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	p.ln = ln
	slog.Info("flash policy server listening", "addr", p.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go p.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, for callers that configured
// port zero.
func (p *PolicyServer) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

func (p *PolicyServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("policy accept failed", "error", err)
			continue
		}
		go p.serveConn(conn)
	}
}

// serveConn answers a single policy probe and closes that connection
// only.
func (p *PolicyServer) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(policyTimeout))

	buf := make([]byte, len(policyRequest))
	n, err := io.ReadFull(conn, buf)
	if err != nil && n == 0 {
		return
	}
	if !bytes.Equal(buf[:n], []byte(policyRequest)[:n]) || n < len(policyRequest) {
		slog.Debug("ignoring non-policy request on policy port", "remote_addr", conn.RemoteAddr().String())
		return
	}
	if _, err := conn.Write([]byte(crossDomainPolicy)); err != nil {
		slog.Debug("policy write failed", "error", err)
	}
}
