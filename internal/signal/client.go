package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/camlink/internal/models"
)

const (
	writeWait      = 10 * time.Second
	minRedialDelay = 500 * time.Millisecond
	maxRedialDelay = 15 * time.Second
)

var (
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrClosed       = errors.New("signaling channel closed")
)

// Handler receives one inbound message. Handlers run on the client's read
// goroutine, in arrival order.
type Handler func(msg models.SignalMessage)

// Client is the persistent duplex channel to the signaling server. A lost
// connection is redialed until Close.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	// guards conn; writes are serialized under it too
	mu   sync.Mutex
	conn *websocket.Conn

	hmu         sync.RWMutex
	handlers    map[models.SignalType][]Handler
	onReconnect []func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for the given ws:// or wss:// URL.
func NewClient(url string, log *slog.Logger) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: writeWait,
		},
		log:      log.With(slog.String("component", "signal")),
		handlers: make(map[models.SignalType][]Handler),
		closed:   make(chan struct{}),
	}
}

// On registers a handler for a message type. Several handlers may share a
// type; they run in registration order.
func (c *Client) On(t models.SignalType, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	t = t.Canonical()
	c.handlers[t] = append(c.handlers[t], h)
}

// OnReconnect registers fn to run after every successful redial.
func (c *Client) OnReconnect(fn func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Connect dials the server and starts the read loop. Later disconnects are
// redialed in the background until ctx ends or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)

	go c.run(ctx, conn)
	return nil
}

// Send writes msg to the server.
func (c *Client) Send(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Close shuts the channel down for good.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.log.Debug("connected", slog.String("url", c.url))
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	conn.Close()
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		c.readLoop(conn)
		c.dropConn(conn)

		var ok bool
		conn, ok = c.redial(ctx)
		if !ok {
			return
		}
		c.setConn(conn)

		c.hmu.RLock()
		callbacks := append([]func(){}, c.onReconnect...)
		c.hmu.RUnlock()
		for _, fn := range callbacks {
			fn()
		}
	}
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, bool) {
	delay := minRedialDelay
	for {
		select {
		case <-c.closed:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.log.Info("reconnected")
			return conn, true
		}
		c.log.Warn("redial failed", slog.Any("error", err), slog.Duration("retry_in", delay))

		delay *= 2
		if delay > maxRedialDelay {
			delay = maxRedialDelay
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("read error", slog.Any("error", err))
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("unmarshal error", slog.Any("error", err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg models.SignalMessage) {
	msg.Type = msg.Type.Canonical()

	c.hmu.RLock()
	handlers := c.handlers[msg.Type]
	c.hmu.RUnlock()

	if len(handlers) == 0 {
		c.log.Debug("unhandled message", slog.String("type", string(msg.Type)))
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}
