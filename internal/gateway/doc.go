// Package gateway implements the realtime channel hub: an actor goroutine
// owning the connection registry and channel index, the per-connection
// authentication handshake, channel fan-out with inclusion/exclusion
// filters, live presence rosters, and heartbeat-based dead peer eviction.
package gateway
