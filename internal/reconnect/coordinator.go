package reconnect

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/signal"
)

var ErrNoRoom = errors.New("no room code and no saved rejoin token")

// DefaultJoinTimeout bounds the wait for the server's answer to a join.
const DefaultJoinTimeout = 10 * time.Second

// JoinTimeoutMessage is handed to OnFailed callbacks when the server never
// answered a join.
const JoinTimeoutMessage = "Timed out waiting for the server, please try again"

// Channel is the part of the signaling client the coordinator needs.
type Channel interface {
	Send(msg models.SignalMessage) error
	On(t models.SignalType, h signal.Handler)
	OnReconnect(fn func())
}

// Coordinator gets a member back into its room after a restart or a dropped
// channel. It prefers the saved rejoin token, which replaces the stale member
// instead of adding a second one, and falls back to the plain code.
type Coordinator struct {
	ch    Channel
	store TokenStore
	role  models.Role
	log   *slog.Logger

	mu          sync.Mutex
	code        string
	rejoining   bool
	joined      bool
	memberID    string
	joinTimeout time.Duration
	// pending fires when an outstanding join goes unanswered; attempt
	// identifies the join it was armed for.
	pending  *time.Timer
	attempt  uint64
	onJoined []func(models.SignalMessage)
	onFailed []func(message string)
}

// NewCoordinator registers its handlers on ch. code may be empty when a
// saved token names the room.
func NewCoordinator(ch Channel, store TokenStore, code string, role models.Role, log *slog.Logger) *Coordinator {
	c := &Coordinator{
		ch:          ch,
		store:       store,
		code:        code,
		role:        role,
		joinTimeout: DefaultJoinTimeout,
		log:         log.With(slog.String("component", "reconnect"), slog.String("role", string(role))),
	}

	ch.On(models.SignalTypeJoinRoomSuccess, c.handleSuccess)
	ch.On(models.SignalTypeJoinRoomError, c.handleError)
	ch.On(models.SignalTypeRoomClosed, c.handleClosed)
	ch.OnReconnect(c.reattach)
	return c
}

// SetJoinTimeout changes how long a join may go unanswered before the
// OnFailed callbacks run. Non-positive values are ignored.
func (c *Coordinator) SetJoinTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinTimeout = d
}

// OnJoined registers fn for every successful join or rejoin.
func (c *Coordinator) OnJoined(fn func(models.SignalMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onJoined = append(c.onJoined, fn)
}

// OnFailed registers fn for admission errors the human has to act on.
func (c *Coordinator) OnFailed(fn func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = append(c.onFailed, fn)
}

// Join asks for admission, by saved token when one matches the room.
func (c *Coordinator) Join() error {
	c.mu.Lock()
	code := c.code
	c.mu.Unlock()

	saved, err := c.store.Load()
	switch {
	case err == nil && saved.Role == c.role && (code == "" || saved.RoomCode == code):
		c.mu.Lock()
		c.rejoining = true
		c.code = saved.RoomCode
		c.mu.Unlock()

		c.log.Info("rejoining room", slog.String("room", saved.RoomCode), slog.String("member", saved.MemberID))
		return c.send(models.SignalMessage{
			Type:     models.SignalTypeRejoinRoom,
			Token:    saved.Token,
			RoomCode: saved.RoomCode,
		})
	case err != nil && !errors.Is(err, ErrNoToken):
		c.log.Warn("ignoring unreadable rejoin token", slog.Any("error", err))
	}

	if code == "" {
		return ErrNoRoom
	}
	return c.join(code)
}

// Leave exits the room for good and forgets the token.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	code := c.code
	c.joined = false
	c.mu.Unlock()
	c.disarm()

	if err := c.store.Clear(); err != nil {
		c.log.Warn("failed to clear rejoin token", slog.Any("error", err))
	}
	return c.ch.Send(models.SignalMessage{
		Type:     models.SignalTypeLeaveRoom,
		Code:     code,
		RoomCode: code,
		Role:     c.role,
	})
}

func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Coordinator) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Coordinator) MemberID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberID
}

func (c *Coordinator) join(code string) error {
	c.log.Info("joining room", slog.String("room", code))
	return c.send(models.SignalMessage{
		Type: models.SignalTypeJoinRoom,
		Code: code,
		Role: c.role,
	})
}

// send transmits a join or rejoin and arms the answer timer for it.
func (c *Coordinator) send(msg models.SignalMessage) error {
	c.arm()
	if err := c.ch.Send(msg); err != nil {
		c.disarm()
		return err
	}
	return nil
}

func (c *Coordinator) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.pending.Stop()
	}
	c.attempt++
	attempt := c.attempt
	c.pending = time.AfterFunc(c.joinTimeout, func() { c.expire(attempt) })
}

func (c *Coordinator) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *Coordinator) expire(attempt uint64) {
	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.rejoining = false
	callbacks := append([]func(string){}, c.onFailed...)
	timeout := c.joinTimeout
	c.mu.Unlock()

	c.log.Warn("no answer to join", slog.Duration("timeout", timeout))
	for _, fn := range callbacks {
		fn(JoinTimeoutMessage)
	}
}

func (c *Coordinator) handleSuccess(msg models.SignalMessage) {
	c.disarm()
	c.mu.Lock()
	c.rejoining = false
	c.joined = true
	c.code = msg.RoomCode
	c.memberID = msg.MemberID
	callbacks := append([]func(models.SignalMessage){}, c.onJoined...)
	c.mu.Unlock()

	if msg.RejoinToken != "" {
		err := c.store.Save(Saved{
			RoomCode: msg.RoomCode,
			Role:     c.role,
			MemberID: msg.MemberID,
			Token:    msg.RejoinToken,
		})
		if err != nil {
			c.log.Warn("failed to save rejoin token", slog.Any("error", err))
		}
	}

	for _, fn := range callbacks {
		fn(msg)
	}
}

func (c *Coordinator) handleError(msg models.SignalMessage) {
	c.disarm()
	c.mu.Lock()
	wasRejoin := c.rejoining
	c.rejoining = false
	code := c.code
	callbacks := append([]func(string){}, c.onFailed...)
	c.mu.Unlock()

	if wasRejoin {
		// The token is stale; the code may still be good.
		c.log.Info("rejoin refused, joining by code", slog.String("reason", msg.Message))
		if err := c.store.Clear(); err != nil {
			c.log.Warn("failed to clear rejoin token", slog.Any("error", err))
		}
		if code != "" {
			if err := c.join(code); err != nil {
				c.log.Warn("join by code failed", slog.Any("error", err))
			}
			return
		}
	}

	c.log.Info("join refused", slog.String("reason", msg.Message))
	for _, fn := range callbacks {
		fn(msg.Message)
	}
}

func (c *Coordinator) handleClosed(msg models.SignalMessage) {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()

	c.log.Info("room closed", slog.String("reason", msg.Message))
	if err := c.store.Clear(); err != nil {
		c.log.Warn("failed to clear rejoin token", slog.Any("error", err))
	}
}

// reattach runs after the channel was redialed.
func (c *Coordinator) reattach() {
	c.mu.Lock()
	wasJoined := c.joined
	c.joined = false
	c.mu.Unlock()

	if !wasJoined {
		return
	}
	if err := c.Join(); err != nil {
		c.log.Warn("reattach failed", slog.Any("error", err))
	}
}
