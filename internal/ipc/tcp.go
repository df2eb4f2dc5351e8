package ipc

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultTCPPort is the conventional loopback port for environments where
// unix sockets are unavailable.
const DefaultTCPPort = 7474

// LoopbackAddr renders the dial/listen address for the loopback transport.
func LoopbackAddr(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// ListenLoopback binds the TCP fallback transport. The listener is bound to
// the loopback interface only and is never reachable from other hosts.
// Port 0 binds an ephemeral port.
func ListenLoopback(port int) (net.Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid tcp port %d", port)
	}

	addr := LoopbackAddr(port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return listener, nil
}
