// Package websocket is the connection transport: a hub that owns every live
// websocket on this instance, the per-connection writers, the upgrade guards
// and the read pump that feeds inbound frames to a MessageHandler.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/domain"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

var (
	errUnknownConnection = errors.New("unknown connection")
	errHubStopped        = errors.New("hub stopped")
)

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerReply struct {
	writer *clientWriter
	err    error
}

type registerCmd struct {
	baseHubCmd
	connectionID string
	connection   *websocket.Conn
	replyChannel chan registerReply
}

type unregisterCmd struct {
	baseHubCmd
	connectionID string
}

type lookupCmd struct {
	baseHubCmd
	connectionID string
	replyChannel chan *clientWriter
}

type countCmd struct {
	baseHubCmd
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub maps connection ids to their writers. All map access happens on the
// actor goroutine; sends run on the caller's goroutine once the writer is
// looked up.
type Hub struct {
	instanceID  string
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	metrics     *metrics.WebSocketMetrics
	connections map[string]*clientWriter
	done        chan struct{}
	stopTimeout time.Duration
}

var _ domain.Sender = (*Hub)(nil)

// NewHub starts the hub actor under a fresh instance id. m may be nil.
func NewHub(clock clockwork.Clock, m *metrics.WebSocketMetrics) *Hub {
	h := &Hub{
		instanceID:  uuid.NewString(),
		cmdCh:       make(chan hubCmd, 256),
		clock:       clock,
		metrics:     m,
		connections: make(map[string]*clientWriter),
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	go h.run()
	return h
}

// InstanceID prefixes every connection id this hub mints.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

func (h *Hub) submit(cmd hubCmd) error {
	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return errHubStopped
	}
}

// register creates the writer for conn.
func (h *Hub) register(connectionID string, conn *websocket.Conn) (*clientWriter, error) {
	replyCh := make(chan registerReply, 1)
	if err := h.submit(registerCmd{connectionID: connectionID, connection: conn, replyChannel: replyCh}); err != nil {
		return nil, err
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply.writer, reply.err
	case <-h.done:
		return nil, errHubStopped
	case <-timer.Chan():
		return nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

func (h *Hub) unregister(connectionID string) {
	_ = h.submit(unregisterCmd{connectionID: connectionID})
}

func (h *Hub) lookup(connectionID string) *clientWriter {
	replyCh := make(chan *clientWriter, 1)
	if err := h.submit(lookupCmd{connectionID: connectionID, replyChannel: replyCh}); err != nil {
		return nil
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case cw := <-replyCh:
		return cw
	case <-h.done:
		return nil
	case <-timer.Chan():
		slog.Warn("Hub lookup timed out", "connection_id", connectionID, "timeout", commandTimeout)
		return nil
	}
}

// Count returns the number of registered connections, or -1 on timeout.
func (h *Hub) Count() int {
	replyCh := make(chan int, 1)
	if err := h.submit(countCmd{replyChannel: replyCh}); err != nil {
		return 0
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-replyCh:
		return n
	case <-h.done:
		return 0
	case <-timer.Chan():
		slog.Warn("Hub count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Send writes payload to one local connection and classifies the outcome. A
// connection this hub does not know is Gone, so callers route connections
// owned by other instances elsewhere first.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) domain.SendResult {
	result := domain.SendResult{ConnectionID: connectionID}

	cw := h.lookup(connectionID)
	if cw == nil {
		result.Outcome = domain.Gone
		result.Err = errUnknownConnection
	} else if err := cw.write(ctx, payload); err != nil {
		result.Err = err
		result.Outcome = domain.Failed
		if isGone(err) {
			result.Outcome = domain.Gone
		}
	}

	if h.metrics != nil {
		h.metrics.SendResults.WithLabelValues(result.Outcome.String()).Inc()
	}
	return result
}

// isGone reports whether err means the peer is unreachable for good, as
// opposed to a slow or transient failure.
func isGone(err error) bool {
	var closeErr *websocket.CloseError
	return errors.Is(err, errConnectionClosed) ||
		errors.Is(err, errUnknownConnection) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.As(err, &closeErr)
}

// Stop closes every connection with a close frame and ends the actor.
func (h *Hub) Stop() {
	if err := h.submit(stopCmd{}); err != nil {
		return
	}

	timeout := h.clock.NewTimer(h.stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", h.stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("Internal error")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c)
		case lookupCmd:
			c.replyChannel <- h.connections[c.connectionID]
		case countCmd:
			c.replyChannel <- len(h.connections)
		case stopCmd:
			slog.Info("Hub shutting down", "connections", len(h.connections))
			h.closeAll("Server shutting down")
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if _, exists := h.connections[c.connectionID]; exists {
		c.replyChannel <- registerReply{err: fmt.Errorf("connection %s already registered", c.connectionID)}
		return
	}

	cw := newClientWriter(c.connectionID, c.connection, h.clock, h.metrics)
	h.connections[c.connectionID] = cw
	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
	}

	slog.Debug("Connection registered", "connection_id", c.connectionID, "total", len(h.connections))
	c.replyChannel <- registerReply{writer: cw}
}

func (h *Hub) handleUnregister(c unregisterCmd) {
	cw, exists := h.connections[c.connectionID]
	if !exists {
		return
	}

	cw.stop()
	delete(h.connections, c.connectionID)
	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
	}
	slog.Debug("Connection unregistered", "connection_id", c.connectionID, "remaining", len(h.connections))
}

func (h *Hub) closeAll(reason string) {
	for id, cw := range h.connections {
		cw.stopGraceful(reason)
		delete(h.connections, id)
	}
	if h.metrics != nil {
		h.metrics.ActiveConnections.Set(0)
	}
}
