// Package routing holds the table that maps request paths to upstream base URLs.
//
// Readers never take a lock: every lookup works on an immutable snapshot that
// writers replace atomically, so a handler never observes a half-written route.
package routing
