// Package healthcheck probes route targets periodically and records whether
// they answer their health endpoint with 200 OK.
package healthcheck
