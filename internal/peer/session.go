package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/camlink/internal/models"
)

// Observer is told about every state change of a session. It runs on the
// session owner's goroutine.
type Observer func(s *Session, from, to State)

// SessionConfig wires a session to its collaborators.
type SessionConfig struct {
	RoomCode  string
	Transport Transport
	Signaler  Signaler
	Observer  Observer
	// Post hands transport callbacks to the goroutine that owns the session.
	// When nil they run on the transport's goroutine.
	Post func(func())
	// Attempt is the reconnect attempt this session represents, 0 for the
	// first negotiation of a pairing.
	Attempt int
	Log     *slog.Logger
}

// Session is one negotiation attempt between a camera and a viewer. It is not
// safe for concurrent use: every method must be called from the owner's
// goroutine, and transport callbacks are routed there through Post.
type Session struct {
	id        string
	roomCode  string
	attempt   int
	transport Transport
	signaler  Signaler
	observer  Observer
	log       *slog.Logger

	state         State
	remoteApplied bool
	mediaUp       bool
	// local candidates found before the remote description was applied
	pendingLocal []models.ICECandidate
	// remote candidates that arrived before the remote description
	pendingRemote []models.ICECandidate
	lastActivity  time.Time
	endErr        error
	now           func() time.Time
}

// NewSession creates a session in StateNew and subscribes to its transport.
func NewSession(cfg SessionConfig) *Session {
	post := cfg.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:        uuid.NewString(),
		roomCode:  cfg.RoomCode,
		attempt:   cfg.Attempt,
		transport: cfg.Transport,
		signaler:  cfg.Signaler,
		observer:  cfg.Observer,
		state:     StateNew,
		now:       time.Now,
	}
	s.log = log.With(
		slog.String("component", "peer"),
		slog.String("session", s.id),
		slog.Int("attempt", s.attempt))
	s.lastActivity = s.now()

	cfg.Transport.OnICECandidate(func(c models.ICECandidate) {
		post(func() { s.LocalCandidate(c) })
	})
	cfg.Transport.OnConnectionStateChange(func(ts TransportState) {
		post(func() { s.TransportStateChanged(ts) })
	})
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return s.state }

// Attempt is the reconnect attempt number this session was started for.
func (s *Session) Attempt() int { return s.attempt }

// LastActivity is when the session last saw signaling or transport traffic.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// MediaUp reports whether the transport has reported a working media path.
func (s *Session) MediaUp() bool { return s.mediaUp }

// PendingCandidates is the number of local candidates held back until the
// remote description is applied.
func (s *Session) PendingCandidates() int { return len(s.pendingLocal) }

// Err is why the session ended, if it did.
func (s *Session) Err() error { return s.endErr }

// Start begins negotiation from the offering side.
func (s *Session) Start() error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.transition(StateOffering); err != nil {
		return err
	}

	sdp, err := s.transport.CreateOffer()
	if err != nil {
		return s.fail(fmt.Errorf("create offer: %w", err))
	}

	if err := s.signaler.Send(models.SignalMessage{
		Type:     models.SignalTypeOffer,
		RoomCode: s.roomCode,
		SDP:      sdp,
	}); err != nil {
		return s.fail(fmt.Errorf("send offer: %w", err))
	}
	return s.transition(StateAwaitingAnswer)
}

// HandleOffer answers a counterpart's offer. The remote description is
// applied before the answer is relayed, so candidates flow immediately.
func (s *Session) HandleOffer(sdp string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state != StateNew {
		return fmt.Errorf("%w: offer in state %s", ErrInvalidTransition, s.state)
	}

	answer, err := s.transport.CreateAnswer(sdp)
	if err != nil {
		return s.fail(fmt.Errorf("create answer: %w", err))
	}
	s.remoteApplied = true

	if err := s.signaler.Send(models.SignalMessage{
		Type:     models.SignalTypeAnswer,
		RoomCode: s.roomCode,
		SDP:      answer,
	}); err != nil {
		return s.fail(fmt.Errorf("send answer: %w", err))
	}
	if err := s.transition(StateConnected); err != nil {
		return err
	}
	return s.flush()
}

// HandleAnswer applies the counterpart's answer. Candidates gathered so far
// are relayed in discovery order once it is applied.
func (s *Session) HandleAnswer(sdp string) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state != StateAwaitingAnswer {
		return fmt.Errorf("%w: answer in state %s", ErrInvalidTransition, s.state)
	}

	if err := s.transport.SetRemoteDescription(SDPTypeAnswer, sdp); err != nil {
		return s.fail(fmt.Errorf("apply answer: %w", err))
	}
	s.remoteApplied = true

	if err := s.transition(StateConnected); err != nil {
		return err
	}
	return s.flush()
}

// HandleRemoteCandidate adds a counterpart's candidate, holding it until the
// remote description exists.
func (s *Session) HandleRemoteCandidate(c models.ICECandidate) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.touch()

	if !s.remoteApplied {
		s.pendingRemote = append(s.pendingRemote, c)
		return nil
	}
	if err := s.transport.AddICECandidate(c); err != nil {
		// A bad candidate spoils one path, not the negotiation.
		s.log.Warn("failed to add remote candidate", slog.Any("error", err))
	}
	return nil
}

// LocalCandidate relays a locally discovered candidate, or buffers it while
// the remote description is missing.
func (s *Session) LocalCandidate(c models.ICECandidate) {
	if s.usable() != nil {
		return
	}
	s.touch()

	if !s.remoteApplied {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	s.sendCandidate(c)
}

// TransportStateChanged folds the transport's view of the media path into
// the session state.
func (s *Session) TransportStateChanged(ts TransportState) {
	if s.usable() != nil {
		return
	}
	s.touch()
	s.log.Debug("transport state", slog.String("state", ts.String()))

	switch ts {
	case TransportConnected:
		s.mediaUp = true
		if s.state == StateDisconnected || s.state == StateReconnecting {
			if err := s.transition(StateConnected); err != nil {
				s.log.Debug("ignoring transport recovery", slog.Any("error", err))
			}
		}
	case TransportDisconnected:
		s.mediaUp = false
		if s.state == StateConnected {
			if err := s.transition(StateDisconnected); err != nil {
				s.log.Debug("ignoring transport loss", slog.Any("error", err))
			}
		}
	case TransportFailed:
		s.mediaUp = false
		s.fail(errors.New("transport failed"))
	}
}

// BeginReconnect marks a disconnected session as being replaced by a retry.
func (s *Session) BeginReconnect() error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.transition(StateReconnecting)
}

// Fail moves the session to StateFailed.
func (s *Session) Fail(err error) {
	if s.usable() != nil || s.state == StateFailed {
		return
	}
	s.fail(err)
}

// Close releases the transport. The session cannot be used afterwards.
func (s *Session) Close() {
	s.close(ErrClosed)
}

// Supersede closes the session because a newer one replaces it.
func (s *Session) Supersede() {
	s.close(ErrSuperseded)
}

func (s *Session) close(reason error) {
	if s.state == StateClosed {
		return
	}
	if s.endErr == nil {
		s.endErr = reason
	}
	s.pendingLocal = nil
	s.pendingRemote = nil
	if err := s.transport.Close(); err != nil {
		s.log.Debug("failed to close transport", slog.Any("error", err))
	}
	s.transition(StateClosed)
}

func (s *Session) usable() error {
	if s.state != StateClosed {
		return nil
	}
	if errors.Is(s.endErr, ErrSuperseded) {
		return ErrSuperseded
	}
	return ErrClosed
}

func (s *Session) fail(err error) error {
	if s.state == StateFailed {
		return err
	}
	s.endErr = err
	s.log.Warn("negotiation failed", slog.Any("error", err))
	if terr := s.transition(StateFailed); terr != nil {
		return terr
	}
	return err
}

func (s *Session) flush() error {
	remote := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range remote {
		if err := s.transport.AddICECandidate(c); err != nil {
			s.log.Warn("failed to add buffered remote candidate", slog.Any("error", err))
		}
	}

	local := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range local {
		if !s.sendCandidate(c) {
			break
		}
	}
	return nil
}

func (s *Session) sendCandidate(c models.ICECandidate) bool {
	err := s.signaler.Send(models.SignalMessage{
		Type:      models.SignalTypeICECandidate,
		RoomCode:  s.roomCode,
		Candidate: &c,
	})
	if err != nil {
		s.log.Warn("failed to relay candidate", slog.Any("error", err))
		return false
	}
	return true
}

func (s *Session) transition(to State) error {
	from := s.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.touch()
	s.log.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))

	if s.observer != nil {
		s.observer(s, from, to)
	}
	return nil
}

func (s *Session) touch() {
	s.lastActivity = s.now()
}
