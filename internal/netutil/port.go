package netutil

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// Listen binds addr. When the port is taken it walks up to fallback ports
// above it on the same host and binds the first free one. Port 0 never
// falls back.
func Listen(addr string, fallback int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("bind address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("bind address %q: invalid port", addr)
	}

	ln, firstErr := net.Listen("tcp", addr)
	if firstErr == nil || port == 0 {
		return ln, firstErr
	}
	for i := 1; i <= fallback && port+i <= 65535; i++ {
		candidate := net.JoinHostPort(host, strconv.Itoa(port+i))
		if ln, err := net.Listen("tcp", candidate); err == nil {
			slog.Warn("preferred bind address in use, using fallback", "preferred", addr, "addr", candidate)
			return ln, nil
		}
	}
	if fallback > 0 {
		return nil, fmt.Errorf("no available bind address in %s..+%d: %w", addr, fallback, firstErr)
	}
	return nil, fmt.Errorf("preferred bind address in use: %s: %w", addr, firstErr)
}
