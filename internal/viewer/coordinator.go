package viewer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/camlink/internal/fallback"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/peer"
	"github.com/mossy-p/camlink/internal/signal"
)

// maxEarlyCandidates caps candidates held while no session exists.
const maxEarlyCandidates = 64

// Channel is the signaling channel as the viewer uses it.
type Channel interface {
	Send(msg models.SignalMessage) error
	On(t models.SignalType, h signal.Handler)
}

// TransportFactory opens a fresh receive-only peer transport.
type TransportFactory func() (peer.Transport, error)

type Config struct {
	RoomCode     string
	Signal       Channel
	NewTransport TransportFactory
	Renderer     fallback.Renderer
	Log          *slog.Logger
}

// StreamingSession is one stretch of time the room was Live.
type StreamingSession struct {
	ID        string
	RoomCode  string
	StartedAt time.Time
	EndedAt   time.Time
}

func (s StreamingSession) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Status is what the dashboard shows.
type Status struct {
	RoomCode       string
	Members        int
	RoomStatus     string
	State          peer.State
	FallbackActive bool
	FramesRendered int
	LastActivity   time.Time
	Streaming      *StreamingSession
	History        []StreamingSession
	Err            error
}

// Coordinator answers the camera's offers and shows fallback frames while
// no direct path is up. Events are handled on the Run goroutine.
type Coordinator struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	inbox chan func()
	done  chan struct{}

	// owned by the Run goroutine
	roomCode  string
	session   *peer.Session
	members   int
	early     []models.ICECandidate
	display   *fallback.Display
	streaming *StreamingSession
	history   []StreamingSession
	lastErr   error

	statusMu sync.RWMutex
	status   Status
}

func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      log.With(slog.String("component", "viewer")),
		now:      time.Now,
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		roomCode: cfg.RoomCode,
	}
	c.display = fallback.NewDisplay(cfg.RoomCode, cfg.Renderer, c.log)
	c.status = Status{RoomCode: cfg.RoomCode, RoomStatus: models.StatusWaiting}

	on := func(t models.SignalType, fn func(models.SignalMessage)) {
		cfg.Signal.On(t, func(msg models.SignalMessage) {
			c.post(func() { fn(msg) })
		})
	}
	on(models.SignalTypeJoinRoomSuccess, c.onJoined)
	on(models.SignalTypeRoomUpdate, c.onRoomUpdate)
	on(models.SignalTypeOffer, c.onOffer)
	on(models.SignalTypeICECandidate, c.onCandidate)
	on(models.SignalTypeFallbackFrame, c.onFallbackFrame)
	on(models.SignalTypeRoomClosed, c.onRoomClosed)
	return c
}

// Run handles events until ctx ends, then releases the session.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.endStreaming()
			c.publish()
			return nil
		case fn := <-c.inbox:
			fn()
			c.publish()
		}
	}
}

func (c *Coordinator) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Coordinator) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

func (c *Coordinator) onJoined(msg models.SignalMessage) {
	if msg.RoomCode != c.roomCode {
		c.roomCode = msg.RoomCode
		c.display = fallback.NewDisplay(msg.RoomCode, c.cfg.Renderer, c.log)
	}
	// The camera renegotiates with whoever just arrived.
	c.teardown()
}

func (c *Coordinator) onRoomUpdate(msg models.SignalMessage) {
	c.members = msg.TotalMembers

	if models.StatusFor(c.members) == models.StatusLive {
		c.beginStreaming()
		return
	}
	c.endStreaming()
	if c.session != nil {
		c.log.Info("camera gone, tearing down session")
	}
	c.teardown()
}

func (c *Coordinator) onOffer(msg models.SignalMessage) {
	if c.session != nil {
		c.session.Supersede()
		c.session = nil
	}

	tr, err := c.cfg.NewTransport()
	if err != nil {
		c.lastErr = fmt.Errorf("open transport: %w", err)
		c.log.Error("failed to open transport", slog.Any("error", err))
		return
	}
	s := peer.NewSession(peer.SessionConfig{
		RoomCode:  c.roomCode,
		Transport: tr,
		Signaler:  c.cfg.Signal,
		Observer:  c.observe,
		Post:      c.post,
		Log:       c.log,
	})
	c.session = s

	for _, cand := range c.early {
		s.HandleRemoteCandidate(cand)
	}
	c.early = nil

	if err := s.HandleOffer(msg.SDP); err != nil {
		c.log.Warn("failed to answer offer", slog.Any("error", err))
		return
	}
	// Renewed direct negotiation replaces the fallback picture.
	c.display.Deactivate()
}

func (c *Coordinator) onCandidate(msg models.SignalMessage) {
	if msg.Candidate == nil {
		return
	}
	if c.session == nil || c.session.State() == peer.StateClosed {
		if len(c.early) < maxEarlyCandidates {
			c.early = append(c.early, *msg.Candidate)
		}
		return
	}
	if err := c.session.HandleRemoteCandidate(*msg.Candidate); err != nil {
		c.log.Debug("dropping remote candidate", slog.Any("error", err))
	}
}

func (c *Coordinator) onFallbackFrame(msg models.SignalMessage) {
	if c.live() {
		return
	}
	c.display.Activate()
	c.display.Handle(msg)
}

func (c *Coordinator) onRoomClosed(msg models.SignalMessage) {
	c.log.Info("room closed", slog.String("reason", msg.Message))
	c.members = 0
	c.endStreaming()
	c.teardown()
}

func (c *Coordinator) observe(s *peer.Session, from, to peer.State) {
	if s != c.session {
		return
	}
	switch to {
	case peer.StateConnected:
		c.lastErr = nil
	case peer.StateFailed:
		c.lastErr = s.Err()
		c.log.Warn("direct connection failed, waiting for fallback frames")
	}
}

// live reports whether a direct path is negotiated, so fallback frames are
// not needed.
func (c *Coordinator) live() bool {
	return c.session != nil && c.session.State() == peer.StateConnected
}

func (c *Coordinator) beginStreaming() {
	if c.streaming != nil {
		return
	}
	c.streaming = &StreamingSession{
		ID:        uuid.NewString(),
		RoomCode:  c.roomCode,
		StartedAt: c.now(),
	}
	c.log.Info("streaming session started", slog.String("streaming_session", c.streaming.ID))
}

func (c *Coordinator) endStreaming() {
	if c.streaming == nil {
		return
	}
	ended := *c.streaming
	ended.EndedAt = c.now()
	c.history = append(c.history, ended)
	c.streaming = nil
	c.log.Info("streaming session ended",
		slog.String("streaming_session", ended.ID),
		slog.Duration("duration", ended.Duration()))
}

func (c *Coordinator) teardown() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.early = nil
	c.display.Deactivate()
}

func (c *Coordinator) publish() {
	st := Status{
		RoomCode:       c.roomCode,
		Members:        c.members,
		RoomStatus:     models.StatusFor(c.members),
		State:          peer.StateNew,
		FallbackActive: c.display.Active(),
		FramesRendered: c.display.Rendered(),
		History:        append([]StreamingSession(nil), c.history...),
		Err:            c.lastErr,
	}
	if c.session != nil {
		st.State = c.session.State()
		st.LastActivity = c.session.LastActivity()
	}
	if c.streaming != nil {
		current := *c.streaming
		st.Streaming = &current
	}

	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}
