package httpserver

import (
	"context"
	"net"
	"net/http"
)

type clientAddrKey struct{}

// withClientAddr records the peer address once per accepted connection.
func withClientAddr(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, clientAddrKey{}, c.RemoteAddr())
}

// ClientAddr returns the remote address of the connection that carried r.
// Requests not served by this package fall back to r.RemoteAddr.
func ClientAddr(r *http.Request) string {
	if addr, ok := r.Context().Value(clientAddrKey{}).(net.Addr); ok {
		return addr.String()
	}
	return r.RemoteAddr
}

// ClientIP is ClientAddr without the port.
func ClientIP(r *http.Request) string {
	addr := ClientAddr(r)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
