package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mossy-p/camlink/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// PionConfig configures a pion-backed transport.
type PionConfig struct {
	ICEServers    []string
	LoggerFactory logging.LoggerFactory
	// Track is sent to the counterpart. Without one the transport only
	// receives video.
	Track webrtc.TrackLocal
	Log   *slog.Logger
}

// PionTransport implements Transport on a pion PeerConnection.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	queue  *callbackQueue
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	onCandidate func(models.ICECandidate)
	onState     func(TransportState)
}

// NewPionTransport creates the peer connection with NACK handling and, when
// cfg.Track is set, attaches the outgoing track.
func NewPionTransport(cfg PionConfig) (*PionTransport, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   servers,
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	t := &PionTransport{
		pc:     pc,
		queue:  newCallbackQueue(),
		log:    log.With(slog.String("component", "pion")),
		closed: make(chan struct{}),
	}

	if cfg.Track != nil {
		sender, err := pc.AddTrack(cfg.Track)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		// RTCP has to be read for the interceptors to see NACKs.
		go t.drainRTCP(sender)
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
		pc.OnTrack(t.drainTrack)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.log.Debug("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		candidate := models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		}
		t.queue.push(func() {
			t.mu.Lock()
			fn := t.onCandidate
			t.mu.Unlock()
			if fn != nil {
				fn(candidate)
			}
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", slog.String("state", state.String()))
		ts := transportState(state)
		t.queue.push(func() {
			t.mu.Lock()
			fn := t.onState
			t.mu.Unlock()
			if fn != nil {
				fn(ts)
			}
		})
	})

	return t, nil
}

func (t *PionTransport) CreateOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (t *PionTransport) CreateAnswer(offerSDP string) (string, error) {
	if err := t.SetRemoteDescription(SDPTypeOffer, offerSDP); err != nil {
		return "", err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) SetRemoteDescription(sdpType SDPType, sdp string) error {
	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(sdpType)),
		SDP:  sdp,
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *PionTransport) AddICECandidate(c models.ICECandidate) error {
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (t *PionTransport) OnICECandidate(fn func(models.ICECandidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *PionTransport) OnConnectionStateChange(fn func(TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// Close stops callback delivery and closes the peer connection.
func (t *PionTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		t.queue.close()
		err = t.pc.Close()
	})
	return err
}

func (t *PionTransport) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (t *PionTransport) drainTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	codec := track.Codec()
	t.log.Info("receiving track",
		slog.String("kind", track.Kind().String()),
		slog.String("codec", codec.MimeType))

	go func() {
		packets := 0
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				select {
				case <-t.closed:
				default:
					t.log.Debug("track ended", slog.Int("packets", packets), slog.Any("error", err))
				}
				return
			}
			packets++
		}
	}()
}

func transportState(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}
