package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	messageBufferSize = 16
	maxMessageSize    = 64 << 10
)

var errConnectionClosed = errors.New("connection closed")

type sendRequest struct {
	payload []byte
	result  chan error
}

// clientWriter owns every write to one connection. Sends are queued to its
// goroutine and each caller waits for the outcome of its own write.
type clientWriter struct {
	id            string
	connection    *websocket.Conn
	clock         clockwork.Clock
	metrics       *metrics.WebSocketMetrics
	sendChannel   chan sendRequest
	quitChannel   chan struct{}
	exitedChannel chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	lastActivity  time.Time
	activityMutex sync.Mutex
}

func newClientWriter(id string, connection *websocket.Conn, clock clockwork.Clock, m *metrics.WebSocketMetrics) *clientWriter {
	cw := &clientWriter{
		id:            id,
		connection:    connection,
		clock:         clock,
		metrics:       m,
		sendChannel:   make(chan sendRequest, messageBufferSize),
		quitChannel:   make(chan struct{}),
		exitedChannel: make(chan struct{}),
		lastActivity:  clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Go(cw.run)
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	// A writer that gives up closes the socket so the read pump ends too.
	// On quit the stopper owns the socket and may still send a close frame.
	closeOnExit := true
	defer func() {
		close(cw.exitedChannel)
		if closeOnExit {
			_ = cw.connection.Close()
		}
	}()

	for {
		select {
		case req := <-cw.sendChannel:
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			err := cw.connection.WriteMessage(websocket.TextMessage, req.payload)
			req.result <- err
			if err != nil {
				return
			}
			if cw.metrics != nil {
				cw.metrics.SendDuration.Observe(cw.clock.Since(start).Seconds())
			}
		case <-ticker.Chan():
			if cw.checkIdleTimeout() {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				if cw.metrics != nil {
					cw.metrics.PingFailures.Inc()
				}
				return
			}
		case <-cw.quitChannel:
			closeOnExit = false
			return
		}
	}
}

// write queues payload and waits until it was written, the writer exited or
// ctx ended.
func (cw *clientWriter) write(ctx context.Context, payload []byte) error {
	req := sendRequest{payload: payload, result: make(chan error, 1)}

	select {
	case cw.sendChannel <- req:
	case <-cw.exitedChannel:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-cw.exitedChannel:
		select {
		case err := <-req.result:
			return err
		default:
			return errConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.quitChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.quitChannel)
		// The run goroutine must be gone before we write the close frame.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

func (cw *clientWriter) recordActivity() {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	cw.lastActivity = cw.clock.Now()
}

// checkIdleTimeout reports whether the connection saw no inbound traffic for
// idleTimeout. Pongs count as traffic.
func (cw *clientWriter) checkIdleTimeout() bool {
	cw.activityMutex.Lock()
	idle := cw.clock.Since(cw.lastActivity)
	cw.activityMutex.Unlock()

	if idle < idleTimeout {
		return false
	}
	if cw.metrics != nil {
		cw.metrics.IdleDisconnects.Inc()
	}
	return true
}
