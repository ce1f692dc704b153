package models

// SignalType represents the type of a signaling message
type SignalType string

const (
	SignalTypeJoinRoom         SignalType = "join_room"
	SignalTypeJoinRoomSuccess  SignalType = "join_room_success"
	SignalTypeJoinRoomError    SignalType = "join_room_error"
	SignalTypeRejoinRoom       SignalType = "rejoin_room"
	SignalTypeLeaveRoom        SignalType = "leave_room"
	SignalTypeRoomUpdate       SignalType = "room_update"
	SignalTypeRoomClosed       SignalType = "room_closed"
	SignalTypeViewerJoined     SignalType = "viewer_joined"
	SignalTypeOffer            SignalType = "offer"
	SignalTypeAnswer           SignalType = "answer"
	SignalTypeICECandidate     SignalType = "ice_candidate"
	SignalTypeJoinFallbackRoom SignalType = "join_fallback_room"
	SignalTypeFallbackFrame    SignalType = "fallback_frame"
	SignalTypeError            SignalType = "error"

	// Older dashboards spell the candidate relay with a hyphen.
	signalTypeICECandidateHyphen SignalType = "ice-candidate"
)

// Canonical folds known spelling variants onto one type.
func (t SignalType) Canonical() SignalType {
	if t == signalTypeICECandidateHyphen {
		return SignalTypeICECandidate
	}
	return t
}

// Relayed reports whether messages of this type are forwarded verbatim to
// the other members of the sender's room.
func (t SignalType) Relayed() bool {
	switch t.Canonical() {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate, SignalTypeFallbackFrame:
		return true
	}
	return false
}

// Role is the part a member plays in a room
type Role string

const (
	RoleCamera Role = "camera"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCamera || r == RoleViewer
}

// SignalMessage is the envelope for every message on the signaling channel.
// Fields are populated per type; see the constants above.
type SignalMessage struct {
	Type SignalType `json:"type"`

	// join_room / join_fallback_room
	Code string `json:"code,omitempty"`
	Role Role   `json:"role,omitempty"`

	RoomCode string `json:"room_code,omitempty"`

	// join_room_success / rejoin_room
	MemberID    string `json:"member_id,omitempty"`
	RejoinToken string `json:"rejoin_token,omitempty"`
	Token       string `json:"token,omitempty"`

	// room_update
	TotalMembers int    `json:"total_members,omitempty"`
	Status       string `json:"status,omitempty"`

	// join_room_error / error / room_closed
	Message string `json:"message,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// ice_candidate
	Candidate *ICECandidate `json:"candidate,omitempty"`

	// fallback_frame
	Image     string `json:"image,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// ICECandidate is a trickle candidate as produced by the browser or pion.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Room status labels shown on the dashboard
const (
	StatusWaiting = "Waiting"
	StatusLive    = "Live"
)

// StatusFor derives the visible room status from its membership count.
func StatusFor(totalMembers int) string {
	if totalMembers >= 2 {
		return StatusLive
	}
	return StatusWaiting
}

// NewRoomUpdate builds the membership broadcast for a room.
func NewRoomUpdate(roomCode string, totalMembers int) SignalMessage {
	return SignalMessage{
		Type:         SignalTypeRoomUpdate,
		RoomCode:     roomCode,
		TotalMembers: totalMembers,
		Status:       StatusFor(totalMembers),
	}
}

// NewJoinError builds the admission failure reply.
func NewJoinError(message string) SignalMessage {
	return SignalMessage{Type: SignalTypeJoinRoomError, Message: message}
}
