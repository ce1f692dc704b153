package models

import "time"

// PairingCode is a 6-digit code handed out to pair a camera with a viewer
type PairingCode struct {
	Value     string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// RoomInfo is the public view of an open room
type RoomInfo struct {
	RoomCode     string    `json:"room_code"`
	TotalMembers int       `json:"total_members"`
	Status       string    `json:"status"`
	Cameras      int       `json:"cameras"`
	Viewers      int       `json:"viewers"`
	Subscribers  int       `json:"fallback_subscribers"`
	CreatedAt    time.Time `json:"createdAt"`
}

// GenerateCodeResponse is the response for the code generation endpoint
type GenerateCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}
