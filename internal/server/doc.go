// Package server hosts the HTTP edge of the gateway: the WebSocket
// upgrade route with origin checks and connection limits, plus health,
// version, and metrics endpoints.
package server
