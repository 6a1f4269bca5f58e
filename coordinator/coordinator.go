package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
)

// IssueRecorder receives unparseable frames for the user-visible issue log
type IssueRecorder interface {
	Record(message string, details interface{})
}

// Config holds configuration for the Coordinator.
type Config struct {
	// URL is the WebSocket URL of the backend stream (e.g., "ws://localhost:9000/events")
	URL string

	// ClientName is sent in the X-Client-Name header
	ClientName string

	// Reconnect settings
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64
	ReconnectMaxAttempts   int // 0 = infinite

	// PingInterval is how often to send pings
	PingInterval time.Duration

	Logger *logrus.Entry
	Issues IssueRecorder
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClientName:             "optrack",
		ReconnectInitialDelay:  1 * time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectBackoffFactor: 2.0,
		ReconnectMaxAttempts:   0, // infinite
		PingInterval:           30 * time.Second,
	}
}

// Coordinator reads the backend stream and dispatches messages by type.
// Messages are dispatched from a single goroutine in arrival order.
type Coordinator struct {
	config Config
	logger *logrus.Entry

	conn      *websocket.Conn
	connMu    sync.RWMutex
	connected bool

	handlers   map[MessageType]MessageHandler
	handlersMu sync.RWMutex

	sendChan chan *WSMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected    func()
	onDisconnected func(error)
}

// MessageHandler is a function that handles incoming messages.
type MessageHandler func(msg *WSMessage) error

// New creates a new Coordinator.
func New(config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.ReconnectInitialDelay <= 0 {
		config.ReconnectInitialDelay = defaults.ReconnectInitialDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if config.ReconnectBackoffFactor < 1 {
		config.ReconnectBackoffFactor = defaults.ReconnectBackoffFactor
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ClientName == "" {
		config.ClientName = defaults.ClientName
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(common.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		config:   config,
		logger:   config.Logger.WithField("component", "coordinator"),
		handlers: make(map[MessageType]MessageHandler),
		sendChan: make(chan *WSMessage, 100),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.handlers[MessageTypePing] = c.handlePing
	return c
}

// OnMessage registers a handler for a message type, replacing any previous one.
func (c *Coordinator) OnMessage(msgType MessageType, handler MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = handler
}

// OnConnected sets a callback for when connection is established.
func (c *Coordinator) OnConnected(fn func()) {
	c.onConnected = fn
}

// OnDisconnected sets a callback for when connection is lost.
func (c *Coordinator) OnDisconnected(fn func(error)) {
	c.onDisconnected = fn
}

// Context is cancelled when the coordinator is closed.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Connect starts the connection loop in the background.
func (c *Coordinator) Connect() error {
	if c.config.URL == "" {
		return fmt.Errorf("stream URL is required")
	}
	c.wg.Add(1)
	go c.connectionLoop()
	return nil
}

// Close shuts down the coordinator.
func (c *Coordinator) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected.
func (c *Coordinator) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// connectionLoop manages connection and reconnection.
func (c *Coordinator) connectionLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectInitialDelay
	attempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.connect()
		if err != nil {
			attempts++
			c.logger.WithError(err).WithField("attempt", attempts).Warn("Connection failed")

			if c.config.ReconnectMaxAttempts > 0 && attempts >= c.config.ReconnectMaxAttempts {
				c.logger.Error("Max reconnection attempts reached")
				return
			}

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			delay = nextDelay(delay, c.config.ReconnectBackoffFactor, c.config.ReconnectMaxDelay)
			continue
		}

		delay = c.config.ReconnectInitialDelay
		attempts = 0

		err = c.runConnection()
		if err != nil && c.ctx.Err() == nil {
			c.logger.WithError(err).Warn("Connection lost")
			if c.onDisconnected != nil {
				c.onDisconnected(err)
			}
		}

		c.connMu.Lock()
		c.connected = false
		c.conn = nil
		c.connMu.Unlock()
	}
}

// nextDelay grows delay by factor, capped at limit
func nextDelay(delay time.Duration, factor float64, limit time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * factor)
	if delay > limit {
		delay = limit
	}
	return delay
}

// connect establishes the WebSocket connection.
func (c *Coordinator) connect() error {
	c.logger.WithField("url", c.config.URL).Info("Connecting to backend stream")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	headers := http.Header{}
	headers.Set("X-Client-Name", c.config.ClientName)

	conn, _, err := dialer.DialContext(c.ctx, c.config.URL, headers)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.logger.Info("Connected to backend stream")
	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

// runConnection handles the connection lifecycle.
func (c *Coordinator) runConnection() error {
	connDone := make(chan struct{})

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		c.senderLoop(connDone)
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(connDone)
	}()

	err := c.readLoop()

	close(connDone)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	<-senderDone
	<-pingDone

	return err
}

// readLoop reads and dispatches incoming messages.
func (c *Coordinator) readLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			return fmt.Errorf("connection closed")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("Failed to parse message")
			if c.config.Issues != nil {
				c.config.Issues.Record("Unparseable stream message: "+err.Error(), string(data))
			}
			continue
		}

		c.handleMessage(msg)
	}
}

// senderLoop sends outgoing messages until the connection ends.
func (c *Coordinator) senderLoop(done <-chan struct{}) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case msg := <-c.sendChan:
			if err := c.sendMessage(msg); err != nil {
				c.logger.WithError(err).Warn("Failed to send message")
			}
		}
	}
}

// pingLoop sends periodic pings.
func (c *Coordinator) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
			}
		}
	}
}

// sendMessage writes a message immediately. Only the sender goroutine
// writes data frames.
func (c *Coordinator) sendMessage(msg *WSMessage) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := msg.JSON()
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send queues a message for sending.
func (c *Coordinator) Send(msg *WSMessage) {
	select {
	case c.sendChan <- msg:
	default:
		c.logger.Warn("Send channel full, dropping message")
	}
}

// handleMessage dispatches a message to its handler.
func (c *Coordinator) handleMessage(msg *WSMessage) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Type]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.WithField("type", msg.Type).Debug("No handler for message type")
		return
	}

	if err := handler(msg); err != nil {
		c.logger.WithError(err).WithField("type", msg.Type).Warn("Handler error")
	}
}

func (c *Coordinator) handlePing(msg *WSMessage) error {
	pong := NewMessage(MessageTypePong)
	pong.ID = msg.ID // correlation
	c.Send(pong)
	return nil
}
