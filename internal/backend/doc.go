// Package backend keeps one reverse proxy per upstream target together with
// its connection count, response-time average and last known health.
package backend
