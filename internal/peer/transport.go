package peer

import "github.com/mossy-p/camlink/internal/models"

// SDPType distinguishes the two halves of the handshake.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// TransportState is the direct media path's own view of its health.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is the peer connection a session negotiates over. Callbacks may
// fire from any goroutine.
type Transport interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (string, error)
	// CreateAnswer applies offerSDP as the remote description, then creates
	// and applies the answer.
	CreateAnswer(offerSDP string) (string, error)
	SetRemoteDescription(sdpType SDPType, sdp string) error
	AddICECandidate(candidate models.ICECandidate) error
	OnICECandidate(fn func(models.ICECandidate))
	OnConnectionStateChange(fn func(TransportState))
	Close() error
}

// Signaler carries a session's outbound messages to the relay.
type Signaler interface {
	Send(msg models.SignalMessage) error
}
