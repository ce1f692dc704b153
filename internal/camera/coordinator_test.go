package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/camlink/internal/logger"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/peer"
	"github.com/mossy-p/camlink/internal/reconnect"
	"github.com/mossy-p/camlink/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	msg models.SignalMessage
	at  time.Time
}

type fakeChannel struct {
	mu       sync.Mutex
	sent     []sentMessage
	handlers map[models.SignalType][]signal.Handler
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[models.SignalType][]signal.Handler)}
}

func (f *fakeChannel) Send(msg models.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{msg: msg, at: time.Now()})
	return nil
}

func (f *fakeChannel) On(t models.SignalType, h signal.Handler) {
	f.handlers[t] = append(f.handlers[t], h)
}

func (f *fakeChannel) deliver(msg models.SignalMessage) {
	for _, h := range f.handlers[msg.Type] {
		h(msg)
	}
}

func (f *fakeChannel) ofType(t models.SignalType) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, s := range f.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	offer   string
	onState func(peer.TransportState)
	onCand  func(models.ICECandidate)
	closed  bool
	remote  []string
}

func (f *fakeTransport) CreateOffer() (string, error)        { return f.offer, nil }
func (f *fakeTransport) CreateAnswer(string) (string, error) { return "", errors.New("camera never answers") }

func (f *fakeTransport) SetRemoteDescription(_ peer.SDPType, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, sdp)
	return nil
}

func (f *fakeTransport) AddICECandidate(models.ICECandidate) error { return nil }

func (f *fakeTransport) OnICECandidate(fn func(models.ICECandidate)) { f.onCand = fn }

func (f *fakeTransport) OnConnectionStateChange(fn func(peer.TransportState)) { f.onState = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeCapturer struct {
	err     error
	stopped bool
}

func (f *fakeCapturer) Start() (webrtc.TrackLocal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return newVideoTrack()
}

func (f *fakeCapturer) Stop() { f.stopped = true }

type fixture struct {
	t          *testing.T
	ch         *fakeChannel
	coord      *Coordinator
	capturer   *fakeCapturer
	mu         sync.Mutex
	transports []*fakeTransport
	cancel     context.CancelFunc
	stopped    chan struct{}
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{t: t, ch: newFakeChannel(), capturer: &fakeCapturer{}, stopped: make(chan struct{})}
	cfg := Config{
		RoomCode: "482913",
		Signal:   f.ch,
		Capturer: f.capturer,
		NewTransport: func(webrtc.TrackLocal) (peer.Transport, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			tr := &fakeTransport{offer: fmt.Sprintf("O%d", len(f.transports)+1)}
			f.transports = append(f.transports, tr)
			return tr, nil
		},
		Frames:      &TestPattern{Width: 32, Height: 24},
		MaxAttempts: 3,
		Backoff:     reconnect.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		Log:         logger.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.coord = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(f.stop)
	go func() {
		defer close(f.stopped)
		f.coord.Run(ctx)
	}()
	return f
}

func (f *fixture) stop() {
	f.cancel()
	<-f.stopped
}

// settle waits until every event delivered so far has been handled.
func (f *fixture) settle() {
	done := make(chan struct{})
	f.coord.post(func() { close(done) })
	<-done
	f.coord.post(func() {})
}

func (f *fixture) deliver(msg models.SignalMessage) {
	f.ch.deliver(msg)
	f.settle()
}

func (f *fixture) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(f.t, len(f.transports), i)
	return f.transports[i]
}

func (f *fixture) transportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fixture) pair() {
	f.deliver(models.SignalMessage{Type: models.SignalTypeJoinRoomSuccess, RoomCode: "482913", MemberID: "cam"})
	f.deliver(models.NewRoomUpdate("482913", 1))
	f.deliver(models.SignalMessage{Type: models.SignalTypeViewerJoined, RoomCode: "482913", Role: models.RoleViewer})
	f.deliver(models.NewRoomUpdate("482913", 2))
}

func TestCoordinator_PairingScenario(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())

	f.pair()

	offers := f.ch.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 1, "viewer_joined and room_update lead to one negotiation")
	assert.Equal(t, "O1", offers[0].msg.SDP)
	assert.Equal(t, "482913", offers[0].msg.RoomCode)
	assert.Equal(t, peer.StateAwaitingAnswer, f.coord.Status().State)

	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, RoomCode: "482913", SDP: "A1"})

	st := f.coord.Status()
	assert.Equal(t, peer.StateConnected, st.State)
	assert.Equal(t, 2, st.Members)
	assert.Equal(t, models.StatusLive, st.RoomStatus)
	assert.False(t, st.FallbackActive)
	assert.False(t, st.LastActivity.IsZero())
	assert.Equal(t, []string{"A1"}, f.transport(0).remote)
}

func TestCoordinator_CaptureDeniedPreventsOffering(t *testing.T) {
	f := newFixture(t, nil)
	f.capturer.err = errors.New("permission denied")

	err := f.coord.StartCapture()
	require.ErrorIs(t, err, ErrCaptureDenied)

	f.pair()
	assert.Empty(t, f.ch.ofType(models.SignalTypeOffer))
	assert.Zero(t, f.transportCount())
	assert.ErrorIs(t, f.coord.Status().Err, ErrCaptureDenied)
}

func TestCoordinator_ViewerRejoinSupersedes(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())
	f.pair()
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A1"})

	// Viewer reloaded: same count, fresh arrival.
	f.deliver(models.SignalMessage{Type: models.SignalTypeViewerJoined, Role: models.RoleViewer})
	f.deliver(models.NewRoomUpdate("482913", 2))

	assert.True(t, f.transport(0).isClosed(), "stale session discarded")
	offers := f.ch.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 2)
	assert.Equal(t, "O2", offers[1].msg.SDP)
	assert.Equal(t, peer.StateAwaitingAnswer, f.coord.Status().State)

	// A late answer meant for the old session lands on the new one only once.
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A2"})
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A2-dup"})
	assert.Equal(t, []string{"A2"}, f.transport(1).remote)
	assert.Equal(t, peer.StateConnected, f.coord.Status().State)
}

func TestCoordinator_CameraJoinIgnoredAsArrival(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())

	f.deliver(models.SignalMessage{Type: models.SignalTypeViewerJoined, Role: models.RoleCamera})
	assert.Empty(t, f.ch.ofType(models.SignalTypeOffer))
}

func TestCoordinator_ViewerLeavesTearsDown(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())
	f.pair()
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A1"})

	f.deliver(models.NewRoomUpdate("482913", 1))

	st := f.coord.Status()
	assert.Equal(t, models.StatusWaiting, st.RoomStatus)
	assert.Equal(t, peer.StateNew, st.State)
	assert.True(t, f.transport(0).isClosed())
}

func TestCoordinator_RenegotiatesWhenRoomShrinks(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())
	f.pair()
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A1"})

	// A second viewer wins the offer, then one of the two leaves.
	f.deliver(models.SignalMessage{Type: models.SignalTypeViewerJoined, Role: models.RoleViewer})
	f.deliver(models.NewRoomUpdate("482913", 3))
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A2"})
	require.Equal(t, peer.StateConnected, f.coord.Status().State)
	require.Equal(t, 2, f.transportCount())

	f.deliver(models.NewRoomUpdate("482913", 2))

	offers := f.ch.ofType(models.SignalTypeOffer)
	require.Len(t, offers, 3)
	assert.Equal(t, "O3", offers[2].msg.SDP)
	assert.True(t, f.transport(1).isClosed(), "session with the departed viewer discarded")

	st := f.coord.Status()
	assert.Equal(t, peer.StateAwaitingAnswer, st.State)
	assert.Equal(t, models.StatusLive, st.RoomStatus)

	// A repeated update with the same count does not restart negotiation.
	f.deliver(models.NewRoomUpdate("482913", 2))
	assert.Len(t, f.ch.ofType(models.SignalTypeOffer), 3)
}

func TestCoordinator_FallbackAfterRetriesExhausted(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())
	f.pair()

	// The first negotiation plus three reconnect attempts all lose the path.
	for i := 0; i < 4; i++ {
		require.Eventually(t, func() bool { return f.transportCount() == i+1 }, 2*time.Second, 2*time.Millisecond)
		f.settle()
		f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: fmt.Sprintf("A%d", i+1)})

		tr := f.transport(i)
		tr.onState(peer.TransportConnected)
		tr.onState(peer.TransportDisconnected)
		f.settle()
	}

	st := f.coord.Status()
	assert.Equal(t, peer.StateFailed, st.State)
	assert.Equal(t, 3, st.Attempt)
	assert.True(t, st.FallbackActive)
	assert.Equal(t, 4, f.transportCount(), "no fourth reconnect")

	require.Eventually(t, func() bool {
		return len(f.ch.ofType(models.SignalTypeFallbackFrame)) >= 3
	}, 5*time.Second, 10*time.Millisecond)

	frames := f.ch.ofType(models.SignalTypeFallbackFrame)
	for _, fr := range frames[:3] {
		delay := fr.at.Sub(time.UnixMilli(fr.msg.Timestamp))
		assert.GreaterOrEqual(t, delay, 900*time.Millisecond, "frames leave about a second after capture")
		assert.Equal(t, 32, fr.msg.Width)
	}
	gap := time.UnixMilli(frames[1].msg.Timestamp).Sub(time.UnixMilli(frames[0].msg.Timestamp))
	assert.InDelta(t, float64(100*time.Millisecond), float64(gap), float64(60*time.Millisecond))

	// Renewed negotiation ends the fallback once it connects.
	f.coord.Retry()
	f.settle()
	f.deliver(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: "A5"})
	st = f.coord.Status()
	assert.Equal(t, peer.StateConnected, st.State)
	assert.False(t, st.FallbackActive)
	assert.NoError(t, st.Err)
}

func TestCoordinator_TransportFailureStartsFallback(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.FallbackInterval = 5 * time.Millisecond
		cfg.FallbackDepth = 1
	})
	require.NoError(t, f.coord.StartCapture())
	f.pair()

	f.transport(0).onState(peer.TransportFailed)
	f.settle()

	st := f.coord.Status()
	assert.Equal(t, peer.StateFailed, st.State)
	assert.True(t, st.FallbackActive)
	assert.Error(t, st.Err)
	require.Eventually(t, func() bool {
		return len(f.ch.ofType(models.SignalTypeFallbackFrame)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// The viewer leaving stops the fallback too.
	f.deliver(models.NewRoomUpdate("482913", 1))
	assert.False(t, f.coord.Status().FallbackActive)
}

func TestCoordinator_RoomClosed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())
	f.pair()

	f.deliver(models.SignalMessage{Type: models.SignalTypeRoomClosed, Message: "room idle"})
	st := f.coord.Status()
	assert.Zero(t, st.Members)
	assert.True(t, f.transport(0).isClosed())
}

func TestCoordinator_RunReleasesCapture(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.coord.StartCapture())
	f.pair()

	f.stop()
	assert.True(t, f.capturer.stopped)
	assert.True(t, f.transport(0).isClosed())
}

func TestTestPattern_Snapshot(t *testing.T) {
	p := &TestPattern{Width: 16, Height: 8}
	img, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), img.Bounds())

	track, err := p.Start()
	require.NoError(t, err)
	assert.Equal(t, "video", track.ID())
}
