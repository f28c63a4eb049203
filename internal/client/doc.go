// Package client implements the gateway's client-side counterpart: the
// connect/auth/heartbeat/backoff lifecycle, a channel observer registry
// with explicit cancellation handles, and an approximate presence roster
// that self-heals through periodic snapshot resync.
package client
