// Package handler implements the proxy's HTTP request handler. It resolves
// the request path through the routing table, hands matches to the
// configured forwarding strategy and answers misses with a diagnostic dump.
// Every request ends in a valid HTTP response.
package handler
