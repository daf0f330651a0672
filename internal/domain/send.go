package domain

import (
	"context"
	"strings"
)

// SendOutcome tags the result of a single send.
type SendOutcome int

const (
	Delivered SendOutcome = iota
	// Gone means the transport no longer knows the connection.
	Gone
	// Failed is any other delivery error; the connection may still be alive.
	Failed
)

func (o SendOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	default:
		return "failed"
	}
}

type SendResult struct {
	ConnectionID string
	Outcome      SendOutcome
	Err          error
}

// Sender delivers a payload to one connection. Implementations never panic on a
// dead connection; they report it as Gone.
type Sender interface {
	Send(ctx context.Context, connectionID string, payload []byte) SendResult
}

const connectionIDSeparator = "."

// NewConnectionID prefixes a locally unique id with the instance that owns the
// socket, so other instances know where to route sends.
func NewConnectionID(instanceID, localID string) string {
	return instanceID + connectionIDSeparator + localID
}

// ConnectionOwner returns the instance id a connection id was minted by, or ""
// for ids without one.
func ConnectionOwner(connectionID string) string {
	owner, _, ok := strings.Cut(connectionID, connectionIDSeparator)
	if !ok {
		return ""
	}
	return owner
}
