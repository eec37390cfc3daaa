// Package admin serves the operator API: route listing and upserts, the
// metrics snapshot, Prometheus exposition and target status. It is mounted
// on its own listener so none of its paths can shadow a proxied route.
package admin
