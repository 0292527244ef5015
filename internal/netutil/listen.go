// Package netutil constructs the server's TCP listener, optionally with
// the tuned socket options used for high-throughput deployments.
package netutil

import (
	"context"
	"fmt"
	"net"
)

// Listen binds addr. When tuned is set, the platform-specific socket
// options (SO_REUSEPORT on Unix) are applied so multiple server
// processes can share the port behind the kernel's load balancing; on
// platforms without support the flag is ignored.
func Listen(ctx context.Context, addr string, tuned bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if tuned {
		lc.Control = tunedControl
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}
