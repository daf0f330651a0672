// Package domain defines the room aggregate and the contracts around it.
//
// Concept-oriented files (room.go, store.go, send.go, errors.go) hold shared types
// and the interfaces implemented by adapters. No I/O lives here.
package domain
