package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

// ErrSendQueueFull closes a connection whose consumer cannot keep up. A slow
// reader must not grow the outbound queue without bound.
var ErrSendQueueFull = errors.New("outbound queue overflow")

type ConnectionConfig struct {
	ReadTimeout   time.Duration
	SendQueueSize int
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	// mu guards closed so Send never races the teardown in Close.
	mu     sync.Mutex
	closed bool

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	queueSize := config.SendQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	// Balanced by the wg.Done in Close, whether or not Run ever started.
	wg.Add(1)
	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx, cancelRead := context.WithTimeout(c.ctx, c.config.ReadTimeout)
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Frames are compact binary envelopes; anything else is skipped.
		if typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		message, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		// Pass a connection-scoped context to the handler.
		c.onMessage(c.ctx, c.id, message)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageBinary, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "request cancelled")
			return
		}
	}
}

// Send enqueues a message to the client. It is safe for concurrent use and
// never blocks: if the bounded queue is full the connection is torn down
// instead of stalling the publisher. Sends racing a Close are dropped.
func (c *Connection) Send(message []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Dropping send on a closed connection")
		return
	}
	select {
	case c.send <- message:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("Outbound queue overflow, closing slow consumer")
		c.Close(ErrSendQueueFull)
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		// The send channel is never closed; writePump exits via ctx
		// cancellation, so concurrent publishers cannot hit a closed channel.
		c.cancel()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
		}
		c.logger.Info("Connection closed")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
