// Package strategy implements the ways a matched request can be forwarded:
//
//   - pooled: a keep-alive HTTP client per target, upstream response relayed verbatim
//   - raw: the request is serialized by hand onto a fresh TCP connection and
//     the upstream byte stream is read until the upstream closes it
//
// Both variants implement Strategy and are selected by configuration.
package strategy
