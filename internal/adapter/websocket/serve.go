package websocket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skill-collectors/guesstimator/internal/domain"
)

// MessageHandler receives the lifecycle and inbound frames of a connection.
// HandleMessage calls for one connection never overlap.
type MessageHandler interface {
	Connect(ctx context.Context, connectionID string)
	HandleMessage(ctx context.Context, connectionID string, body []byte)
	Disconnect(ctx context.Context, connectionID string)
}

// Serve registers conn under a fresh connection id and runs its read pump
// until the peer goes away. It owns conn from here on.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, handler MessageHandler) error {
	connectionID := domain.NewConnectionID(h.instanceID, uuid.NewString())

	cw, err := h.register(connectionID, conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("register connection: %w", err)
	}

	handler.Connect(ctx, connectionID)
	defer func() {
		h.unregister(connectionID)
		handler.Disconnect(context.WithoutCancel(ctx), connectionID)
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		messageType, body, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Connection closed unexpectedly", "connection_id", connectionID, "error", err)
			}
			return nil
		}

		cw.recordActivity()
		cw.updateReadDeadline()
		if messageType != websocket.TextMessage {
			continue
		}
		if h.metrics != nil {
			h.metrics.MessagesReceived.Inc()
		}
		handler.HandleMessage(ctx, connectionID, body)
	}
}
