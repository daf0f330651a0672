// Package redis implements the room store, leader lock and client hooks on Redis.
//
// Each room is one hash, `room:{<roomId>}`, holding the Room row under field
// `ROOM` and one field per User row (`USER:<userKey>`). Rows are JSON. Conditional
// updates run as Lua scripts so a patch never recreates a row that was deleted
// concurrently.
package redis
