package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/camlink/internal/fallback"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/peer"
	"github.com/mossy-p/camlink/internal/reconnect"
	"github.com/mossy-p/camlink/internal/signal"
	"github.com/pion/webrtc/v4"
)

var errRetriesExhausted = errors.New("reconnect attempts exhausted")

// Channel is the signaling channel as the camera uses it.
type Channel interface {
	Send(msg models.SignalMessage) error
	On(t models.SignalType, h signal.Handler)
}

// TransportFactory opens a fresh peer transport carrying track.
type TransportFactory func(track webrtc.TrackLocal) (peer.Transport, error)

type Config struct {
	RoomCode     string
	Signal       Channel
	Capturer     Capturer
	NewTransport TransportFactory
	// Frames feeds the fallback stream. Without it there is no fallback.
	Frames fallback.FrameSource
	// MaxAttempts bounds automatic renegotiation after a disconnect.
	MaxAttempts      int
	Backoff          reconnect.Backoff
	FallbackInterval time.Duration
	FallbackDepth    int
	Log              *slog.Logger
}

// Status is what the camera UI shows.
type Status struct {
	RoomCode       string
	Members        int
	RoomStatus     string
	State          peer.State
	Attempt        int
	FallbackActive bool
	LastActivity   time.Time
	Err            error
}

// Coordinator owns the camera's PeerSession and fallback stream. Every room
// event, transport callback and timer is handled on the Run goroutine, so the
// session sees one transition at a time.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	inbox chan func()
	done  chan struct{}

	// owned by the Run goroutine
	ctx      context.Context
	roomCode string
	track    webrtc.TrackLocal
	session  *peer.Session
	members  int
	retry    *time.Timer
	streamer *fallback.Streamer
	lastErr  error

	statusMu sync.RWMutex
	status   Status
}

// New creates the coordinator and subscribes it to the channel. Run must be
// started before the room is joined.
func New(cfg Config) *Coordinator {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{
		cfg:      cfg,
		log:      log.With(slog.String("component", "camera")),
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		roomCode: cfg.RoomCode,
	}
	c.status = Status{RoomCode: cfg.RoomCode, RoomStatus: models.StatusWaiting}

	on := func(t models.SignalType, fn func(models.SignalMessage)) {
		cfg.Signal.On(t, func(msg models.SignalMessage) {
			c.post(func() { fn(msg) })
		})
	}
	on(models.SignalTypeJoinRoomSuccess, c.onJoined)
	on(models.SignalTypeRoomUpdate, c.onRoomUpdate)
	on(models.SignalTypeViewerJoined, c.onViewerJoined)
	on(models.SignalTypeAnswer, c.onAnswer)
	on(models.SignalTypeICECandidate, c.onCandidate)
	on(models.SignalTypeRoomClosed, c.onRoomClosed)
	return c
}

// StartCapture acquires the outgoing track. It must succeed before any
// negotiation can begin; call it before the room is joined.
func (c *Coordinator) StartCapture() error {
	track, err := c.cfg.Capturer.Start()
	if err != nil {
		if !errors.Is(err, ErrCaptureDenied) {
			err = fmt.Errorf("%w: %v", ErrCaptureDenied, err)
		}
		c.lastErr = err
		c.publish()
		return err
	}
	c.track = track
	return nil
}

// Run handles events until ctx ends, then releases the session, the
// fallback stream and the capture.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.cfg.Capturer.Stop()
			c.publish()
			return nil
		case fn := <-c.inbox:
			fn()
			c.publish()
		}
	}
}

// Retry starts a fresh negotiation on the human's request.
func (c *Coordinator) Retry() {
	c.post(func() {
		if c.members < 2 {
			return
		}
		c.log.Info("manual retry")
		c.startSession(0)
	})
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
	c.roomCode = msg.RoomCode
	// A session from before this join belongs to a dead channel.
	c.teardown()
}

func (c *Coordinator) onRoomUpdate(msg models.SignalMessage) {
	prev := c.members
	c.members = msg.TotalMembers

	if c.members < 2 {
		if c.session != nil {
			c.log.Info("viewer gone, tearing down session")
		}
		c.teardown()
		return
	}
	switch {
	case c.session == nil:
		c.startSession(0)
	case c.members < prev:
		// The session may have been with the viewer that left; offer again so
		// whoever remains is the one negotiated with.
		c.log.Info("viewer left, renegotiating with remaining viewer",
			slog.Int("members", c.members))
		c.startSession(0)
	}
}

func (c *Coordinator) onViewerJoined(msg models.SignalMessage) {
	if msg.Role != models.RoleViewer {
		return
	}
	// Arrival and re-arrival are the same: the old negotiation cannot finish.
	c.log.Info("viewer arrived, starting negotiation")
	c.startSession(0)
}

func (c *Coordinator) onAnswer(msg models.SignalMessage) {
	if c.session == nil {
		return
	}
	err := c.session.HandleAnswer(msg.SDP)
	if errors.Is(err, peer.ErrInvalidTransition) {
		c.log.Debug("ignoring answer", slog.String("state", c.session.State().String()))
		return
	}
	if err != nil {
		c.lastErr = err
	}
}

func (c *Coordinator) onCandidate(msg models.SignalMessage) {
	if c.session == nil || msg.Candidate == nil {
		return
	}
	if err := c.session.HandleRemoteCandidate(*msg.Candidate); err != nil {
		c.log.Debug("dropping remote candidate", slog.Any("error", err))
	}
}

func (c *Coordinator) onRoomClosed(msg models.SignalMessage) {
	c.log.Info("room closed", slog.String("reason", msg.Message))
	c.members = 0
	c.teardown()
}

// observe runs on the Run goroutine, from inside a session transition.
func (c *Coordinator) observe(s *peer.Session, from, to peer.State) {
	if s != c.session {
		return
	}

	switch to {
	case peer.StateConnected:
		c.lastErr = nil
		c.stopFallback()
	case peer.StateDisconnected:
		c.scheduleRetry(s)
	case peer.StateFailed:
		c.lastErr = s.Err()
		c.startFallback()
	}
}

func (c *Coordinator) scheduleRetry(s *peer.Session) {
	next := s.Attempt() + 1
	if next > c.cfg.MaxAttempts {
		c.log.Warn("giving up on direct connection", slog.Int("attempts", s.Attempt()))
		s.Fail(errRetriesExhausted)
		return
	}
	if err := s.BeginReconnect(); err != nil {
		return
	}

	delay := c.cfg.Backoff.Delay(next)
	c.log.Info("scheduling reconnect", slog.Int("attempt", next), slog.Duration("delay", delay))
	c.stopRetry()
	c.retry = time.AfterFunc(delay, func() {
		c.post(func() {
			// The path may have recovered, or something newer took over.
			if c.session != s || s.State() != peer.StateReconnecting {
				return
			}
			c.startSession(next)
		})
	})
}

// startSession supersedes the current session with a new offering one.
func (c *Coordinator) startSession(attempt int) {
	c.stopRetry()
	c.stopFallback()
	if c.session != nil {
		c.session.Supersede()
		c.session = nil
	}

	if c.track == nil {
		c.lastErr = ErrCaptureDenied
		c.log.Warn("cannot negotiate without a capture track")
		return
	}

	tr, err := c.cfg.NewTransport(c.track)
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
		Attempt:   attempt,
		Log:       c.log,
	})
	c.session = s

	if err := s.Start(); err != nil {
		c.log.Warn("failed to start negotiation", slog.Any("error", err))
	}
}

func (c *Coordinator) startFallback() {
	if c.cfg.Frames == nil || c.members < 2 {
		return
	}
	if c.streamer == nil {
		c.streamer = fallback.NewStreamer(fallback.StreamerConfig{
			RoomCode: c.roomCode,
			Source:   c.cfg.Frames,
			Sender:   c.cfg.Signal,
			Interval: c.cfg.FallbackInterval,
			Depth:    c.cfg.FallbackDepth,
			Log:      c.log,
		})
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.streamer.Start(ctx)
}

func (c *Coordinator) stopFallback() {
	if c.streamer != nil {
		c.streamer.Stop()
		c.streamer = nil
	}
}

func (c *Coordinator) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// teardown drops the session and everything hanging off it.
func (c *Coordinator) teardown() {
	c.stopRetry()
	c.stopFallback()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Coordinator) publish() {
	st := Status{
		RoomCode:       c.roomCode,
		Members:        c.members,
		RoomStatus:     models.StatusFor(c.members),
		State:          peer.StateNew,
		FallbackActive: c.streamer != nil && c.streamer.Running(),
		Err:            c.lastErr,
	}
	if c.session != nil {
		st.State = c.session.State()
		st.Attempt = c.session.Attempt()
		st.LastActivity = c.session.LastActivity()
	}

	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()
}
