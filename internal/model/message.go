package model

import "time"

type FrameType string

const (
	// Client -> server
	FrameStatusUpdate FrameType = "status:update"

	// Server -> client
	FrameWelcome        FrameType = "welcome"
	FrameStatusUpdated  FrameType = "status:updated"
	FramePartnerOnline  FrameType = "partner:online"
	FramePartnerOffline FrameType = "partner:offline"
	FramePartnerStatus  FrameType = "partner:status"
	FrameError          FrameType = "error"
)

type (
	// Frame is a single JSON message on the live channel.
	Frame struct {
		Type      FrameType  `json:"type"`
		Status    *string    `json:"status,omitempty"`
		Timestamp *time.Time `json:"timestamp,omitempty"`
		Identity  *Identity  `json:"identity,omitempty"`
		Message   string     `json:"message,omitempty"`
	}
)
