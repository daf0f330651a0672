// Package app provides the application service layer.
//
// Orchestrates the room use cases: inbound websocket actions, per-recipient
// broadcasts, the REST room lifecycle and the maintenance sweep. Depends on
// domain interfaces, not concrete implementations.
package app
