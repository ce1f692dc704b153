package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/registry"
	"github.com/mossy-p/camlink/internal/token"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 2 << 20 // fallback frames are JPEG data URLs
	sendBuffer     = 256
)

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	handler *Handler
	log     *slog.Logger
}

// HandleSignaling upgrades the request and runs the client's pumps
func (h *Handler) HandleSignaling(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", slog.Any("error", err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		ID:      id,
		Conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		handler: h,
		log:     h.log.With(slog.String("conn", id)),
	}
	client.log.Debug("connection opened", slog.String("remote", c.Request.RemoteAddr))

	go client.writePump()
	go client.readPump()
}

// Send queues data for the client without blocking. It implements registry.Sink.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		// Losing the channel is an implicit leave.
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		c.handler.registry.Leave(ctx, c.ID)
		cancel()

		c.close()
		c.Conn.Close()
		c.log.Debug("connection closed")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", slog.Any("error", err))
			}
			return
		}
		c.handle(message)
	}
}

// handle dispatches one inbound message. A failure here stays with this
// connection.
func (c *Client) handle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling message", slog.Any("panic", r))
			c.sendError("internal error")
		}
	}()

	var msg models.SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug("failed to parse message", slog.Any("error", err))
		c.sendError("malformed message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.handler.joinTimeout+writeWait)
	defer cancel()

	msgType := msg.Type.Canonical()
	switch msgType {
	case models.SignalTypeJoinRoom:
		c.join(ctx, msg)

	case models.SignalTypeRejoinRoom:
		c.rejoin(ctx, msg)

	case models.SignalTypeLeaveRoom:
		c.handler.registry.Leave(ctx, c.ID)

	case models.SignalTypeJoinFallbackRoom:
		c.subscribeFallback(ctx, msg)

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeICECandidate, models.SignalTypeFallbackFrame:
		err := c.handler.registry.Relay(ctx, c.ID, msgType, raw)
		switch {
		case errors.Is(err, registry.ErrNotInRoom):
			c.sendError("join a room first")
		case err != nil:
			c.log.Debug("relay rejected", slog.String("type", string(msgType)), slog.Any("error", err))
			c.sendError(err.Error())
		}

	default:
		c.log.Debug("unknown message type", slog.String("type", string(msg.Type)))
		c.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Client) join(ctx context.Context, msg models.SignalMessage) {
	code := msg.Code
	if code == "" {
		code = msg.RoomCode
	}

	// Joining another room implies leaving the current one.
	if current, ok := c.handler.registry.RoomOf(c.ID); ok && current != code {
		c.handler.registry.Leave(ctx, c.ID)
	} else if ok {
		c.sendMessage(models.NewJoinError("already joined this room"))
		return
	}

	res, err := c.handler.registry.Join(ctx, registry.JoinRequest{
		Code:   code,
		Role:   msg.Role,
		ConnID: c.ID,
		Sink:   c,
	})
	if err != nil {
		c.log.Info("join rejected", slog.String("room", code), slog.Any("error", err))
		c.sendMessage(models.NewJoinError(joinErrorMessage(err)))
		return
	}
	c.log.Debug("joined", slog.String("room", res.RoomCode), slog.String("member", res.MemberID))
}

func (c *Client) rejoin(ctx context.Context, msg models.SignalMessage) {
	if _, ok := c.handler.registry.RoomOf(c.ID); ok {
		c.handler.registry.Leave(ctx, c.ID)
	}

	res, err := c.handler.registry.Rejoin(ctx, msg.Token, c.ID, c)
	if err != nil {
		c.log.Info("rejoin rejected", slog.Any("error", err))
		c.sendMessage(models.NewJoinError(joinErrorMessage(err)))
		return
	}
	c.log.Debug("rejoined",
		slog.String("room", res.RoomCode),
		slog.String("member", res.MemberID),
		slog.Bool("replaced", res.Replaced))
}

func (c *Client) subscribeFallback(ctx context.Context, msg models.SignalMessage) {
	code := msg.RoomCode
	if code == "" {
		code = msg.Code
	}
	if err := c.handler.registry.SubscribeFallback(ctx, code, c.ID, msg.Role, c); err != nil {
		c.sendMessage(models.NewJoinError(joinErrorMessage(err)))
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrInvalidCode):
		return "Invalid or expired code"
	case errors.Is(err, registry.ErrInvalidRole):
		return "Role must be camera or viewer"
	case errors.Is(err, registry.ErrRoomFull):
		return "Room is full"
	case errors.Is(err, registry.ErrTimeout):
		return "Code check timed out, please try again"
	case errors.Is(err, registry.ErrAlreadyInRoom):
		return "Already in a room"
	case errors.Is(err, token.ErrInvalidToken):
		return "Session expired, enter the code again"
	default:
		return "Could not join room"
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", slog.Any("error", err))
				c.close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", slog.Any("error", err))
		return
	}
	if !c.Send(data) {
		c.log.Warn("failed to send message, buffer full", slog.String("type", string(msg.Type)))
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(models.SignalMessage{Type: models.SignalTypeError, Message: message})
}

// Handler wires the registry and code generator to HTTP and WebSocket.
type Handler struct {
	registry    *registry.Registry
	generator   CodeGenerator
	tokens      *token.Issuer
	upgrader    websocket.Upgrader
	joinTimeout time.Duration
	log         *slog.Logger
}

// NewHandler creates the HTTP handlers. allowedOrigins governs both CORS and
// WebSocket upgrades.
func NewHandler(reg *registry.Registry, gen CodeGenerator, tokens *token.Issuer, allowedOrigins []string, joinTimeout time.Duration, log *slog.Logger) *Handler {
	allow := originAllowed(allowedOrigins)
	return &Handler{
		registry:  reg,
		generator: gen,
		tokens:    tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allow(origin)
			},
		},
		joinTimeout: joinTimeout,
		log:         log.With(slog.String("component", "handlers")),
	}
}
