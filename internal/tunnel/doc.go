// Package tunnel accepts raw TCP connections and splices each one to a fixed
// upstream address. No protocol parsing happens: bytes flow both ways until
// each direction ends.
//
// One goroutine handles each accepted connection and two more copy its bytes.
// A failed upstream connect drops only that inbound connection; the accept
// loop keeps running.
package tunnel
