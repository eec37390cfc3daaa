// Package httpserver runs the proxy's HTTP listener: it binds the socket,
// serves one handler invocation per request and makes the client's network
// address of each connection available to handlers.
package httpserver
