package peer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/camlink/internal/logger"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records calls and lets tests fire transport callbacks.
type fakeTransport struct {
	offerSDP   string
	answerSDP  string
	offerErr   error
	remoteErr  error
	remote     []string
	added      []models.ICECandidate
	closed     bool
	candidate  func(models.ICECandidate)
	stateEvent func(TransportState)
}

func (f *fakeTransport) CreateOffer() (string, error) { return f.offerSDP, f.offerErr }

func (f *fakeTransport) CreateAnswer(offerSDP string) (string, error) {
	if f.remoteErr != nil {
		return "", f.remoteErr
	}
	f.remote = append(f.remote, offerSDP)
	return f.answerSDP, nil
}

func (f *fakeTransport) SetRemoteDescription(_ SDPType, sdp string) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remote = append(f.remote, sdp)
	return nil
}

func (f *fakeTransport) AddICECandidate(c models.ICECandidate) error {
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(models.ICECandidate))     { f.candidate = fn }
func (f *fakeTransport) OnConnectionStateChange(fn func(TransportState)) { f.stateEvent = fn }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []models.SignalMessage
	err  error
}

func (f *fakeSignaler) Send(msg models.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) ofType(t models.SignalType) []models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type transitionLog struct {
	moves [][2]State
}

func (l *transitionLog) observe(_ *Session, from, to State) {
	l.moves = append(l.moves, [2]State{from, to})
}

func newTestSession(tr *fakeTransport, sig *fakeSignaler, log *transitionLog) *Session {
	cfg := SessionConfig{
		RoomCode:  "482913",
		Transport: tr,
		Signaler:  sig,
		Log:       logger.Discard(),
	}
	if log != nil {
		cfg.Observer = log.observe
	}
	return NewSession(cfg)
}

func candidate(i int) models.ICECandidate {
	return models.ICECandidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.1 %d typ host", i, 50000+i)}
}

func TestSession_OfferAnswer(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	sig := &fakeSignaler{}
	moves := &transitionLog{}
	s := newTestSession(tr, sig, moves)

	require.NoError(t, s.Start())
	assert.Equal(t, StateAwaitingAnswer, s.State())

	offers := sig.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "O1", offers[0].SDP)
	assert.Equal(t, "482913", offers[0].RoomCode)

	require.NoError(t, s.HandleAnswer("A1"))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"A1"}, tr.remote)

	assert.Equal(t, [][2]State{
		{StateNew, StateOffering},
		{StateOffering, StateAwaitingAnswer},
		{StateAwaitingAnswer, StateConnected},
	}, moves.moves)
}

func TestSession_BuffersLocalCandidatesUntilAnswer(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	sig := &fakeSignaler{}
	s := newTestSession(tr, sig, nil)

	require.NoError(t, s.Start())

	const n = 50
	for i := 0; i < n; i++ {
		tr.candidate(candidate(i))
	}
	assert.Empty(t, sig.ofType(models.SignalTypeICECandidate), "no candidate may leave before the answer")
	assert.Equal(t, n, s.PendingCandidates())

	require.NoError(t, s.HandleAnswer("A1"))

	sent := sig.ofType(models.SignalTypeICECandidate)
	require.Len(t, sent, n)
	for i, msg := range sent {
		require.NotNil(t, msg.Candidate)
		assert.Equal(t, candidate(i).Candidate, msg.Candidate.Candidate)
	}
	assert.Zero(t, s.PendingCandidates())

	// Later candidates go straight out.
	tr.candidate(candidate(n))
	sent = sig.ofType(models.SignalTypeICECandidate)
	require.Len(t, sent, n+1)
	assert.Equal(t, candidate(n).Candidate, sent[n].Candidate.Candidate)
}

func TestSession_BuffersRemoteCandidatesUntilAnswer(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	s := newTestSession(tr, &fakeSignaler{}, nil)
	require.NoError(t, s.Start())

	require.NoError(t, s.HandleRemoteCandidate(candidate(1)))
	require.NoError(t, s.HandleRemoteCandidate(candidate(2)))
	assert.Empty(t, tr.added)

	require.NoError(t, s.HandleAnswer("A1"))
	assert.Equal(t, []models.ICECandidate{candidate(1), candidate(2)}, tr.added)

	require.NoError(t, s.HandleRemoteCandidate(candidate(3)))
	assert.Len(t, tr.added, 3)
}

func TestSession_AnswerOffer(t *testing.T) {
	tr := &fakeTransport{answerSDP: "A1"}
	sig := &fakeSignaler{}
	s := newTestSession(tr, sig, nil)

	require.NoError(t, s.HandleRemoteCandidate(candidate(1)))
	require.NoError(t, s.HandleOffer("O1"))

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"O1"}, tr.remote)
	assert.Equal(t, []models.ICECandidate{candidate(1)}, tr.added)

	answers := sig.ofType(models.SignalTypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "A1", answers[0].SDP)

	tr.candidate(candidate(2))
	assert.Len(t, sig.ofType(models.SignalTypeICECandidate), 1)
}

func TestSession_BadAnswerFails(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1", remoteErr: errors.New("malformed sdp")}
	moves := &transitionLog{}
	s := newTestSession(tr, &fakeSignaler{}, moves)

	require.NoError(t, s.Start())
	err := s.HandleAnswer("garbage")
	require.Error(t, err)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorContains(t, s.Err(), "malformed sdp")
	assert.Equal(t, [2]State{StateAwaitingAnswer, StateFailed}, moves.moves[len(moves.moves)-1])
}

func TestSession_SendFailureFails(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	s := newTestSession(tr, &fakeSignaler{err: errors.New("channel down")}, nil)

	require.Error(t, s.Start())
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_OutOfOrderAnswer(t *testing.T) {
	s := newTestSession(&fakeTransport{}, &fakeSignaler{}, nil)

	err := s.HandleAnswer("A1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateNew, s.State())
}

func TestSession_TransportStates(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	moves := &transitionLog{}
	s := newTestSession(tr, &fakeSignaler{}, moves)

	require.NoError(t, s.Start())
	require.NoError(t, s.HandleAnswer("A1"))

	tr.stateEvent(TransportConnected)
	assert.True(t, s.MediaUp())
	assert.Equal(t, StateConnected, s.State())

	tr.stateEvent(TransportDisconnected)
	assert.Equal(t, StateDisconnected, s.State())
	assert.False(t, s.MediaUp())

	require.NoError(t, s.BeginReconnect())
	assert.Equal(t, StateReconnecting, s.State())

	// The path recovered on its own before the retry started.
	tr.stateEvent(TransportConnected)
	assert.Equal(t, StateConnected, s.State())

	tr.stateEvent(TransportFailed)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_LastActivityFollowsTraffic(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	s := newTestSession(tr, &fakeSignaler{}, nil)
	clock := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Start())
	assert.Equal(t, clock, s.LastActivity())

	clock = clock.Add(time.Minute)
	require.NoError(t, s.HandleAnswer("A1"))
	assert.Equal(t, clock, s.LastActivity())

	clock = clock.Add(time.Minute)
	tr.stateEvent(TransportConnected)
	assert.Equal(t, clock, s.LastActivity())
}

func TestSession_TransportFailureWhileAwaitingAnswer(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	s := newTestSession(tr, &fakeSignaler{}, nil)
	require.NoError(t, s.Start())

	tr.stateEvent(TransportFailed)
	assert.Equal(t, StateFailed, s.State())

	// A second failure report changes nothing.
	tr.stateEvent(TransportFailed)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_Supersede(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	sig := &fakeSignaler{}
	s := newTestSession(tr, sig, nil)
	require.NoError(t, s.Start())
	tr.candidate(candidate(1))

	s.Supersede()
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, tr.closed)
	assert.ErrorIs(t, s.Err(), ErrSuperseded)

	assert.ErrorIs(t, s.HandleAnswer("A1"), ErrSuperseded)
	tr.candidate(candidate(2))
	tr.stateEvent(TransportConnected)
	assert.Empty(t, sig.ofType(models.SignalTypeICECandidate))
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	moves := &transitionLog{}
	s := newTestSession(&fakeTransport{}, &fakeSignaler{}, moves)

	s.Close()
	s.Close()
	assert.Len(t, moves.moves, 1)
	assert.ErrorIs(t, s.Start(), ErrClosed)
}

func TestSession_PostRoutesCallbacks(t *testing.T) {
	tr := &fakeTransport{offerSDP: "O1"}
	var posted int
	s := NewSession(SessionConfig{
		RoomCode:  "482913",
		Transport: tr,
		Signaler:  &fakeSignaler{},
		Post: func(fn func()) {
			posted++
			fn()
		},
		Log: logger.Discard(),
	})
	require.NoError(t, s.Start())

	tr.candidate(candidate(1))
	tr.stateEvent(TransportConnecting)
	assert.Equal(t, 2, posted)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateNew, StateOffering))
	assert.True(t, CanTransition(StateDisconnected, StateReconnecting))
	assert.True(t, CanTransition(StateReconnecting, StateClosed))
	assert.False(t, CanTransition(StateClosed, StateNew))
	assert.False(t, CanTransition(StateFailed, StateConnected))
	assert.False(t, CanTransition(StateNew, StateAwaitingAnswer))
	assert.Equal(t, "awaiting_answer", StateAwaitingAnswer.String())
}

func TestCallbackQueue_PreservesOrder(t *testing.T) {
	q := newCallbackQueue()
	defer q.close()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		q.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
