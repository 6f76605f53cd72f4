package presence

import (
	"bytes"
	"encoding/json"
	"time"

	"pair_sync/internal/model"
)

const (
	// MaxStatusLen bounds the status string in bytes.
	MaxStatusLen = 64

	// Subprotocol is negotiated on the live channel handshake.
	Subprotocol = "presence.v1"

	// BearerPrefix marks the handshake subprotocol entry carrying the
	// credential.
	BearerPrefix = "bearer."
)

type (
	// Inbound is a frame sent by a client. The set of implementations is closed.
	Inbound interface {
		inbound()
	}

	StatusUpdate struct {
		Status string
	}

	rawInbound struct {
		Type   model.FrameType `json:"type"`
		Status json.RawMessage `json:"status"`
	}
)

func (StatusUpdate) inbound() {}

// Decode parses a client frame. Unparseable JSON and unknown types fail with
// a Protocol error; a status:update carrying a non string status fails with
// a Validation error.
func Decode(data []byte) (Inbound, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, model.Errorf(model.KindProtocol, "invalid message format")
	}

	switch raw.Type {
	case model.FrameStatusUpdate:
		status, err := DecodeStatus(raw.Status)
		if err != nil {
			return nil, err
		}
		return StatusUpdate{Status: status}, nil
	case "":
		return nil, model.Errorf(model.KindProtocol, "missing message type")
	default:
		return nil, model.Errorf(model.KindProtocol, "unknown message type %q", raw.Type)
	}
}

// DecodeStatus parses a JSON status value. Anything but a string of at most
// MaxStatusLen bytes fails with a Validation error.
func DecodeStatus(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", model.Errorf(model.KindValidation, "status must be a string")
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", model.Errorf(model.KindValidation, "status must be a string")
	}
	if err := ValidateStatus(status); err != nil {
		return "", err
	}
	return status, nil
}

func ValidateStatus(status string) error {
	if len(status) > MaxStatusLen {
		return model.Errorf(model.KindValidation, "status longer than %d bytes", MaxStatusLen)
	}
	return nil
}

// DecodeServer parses a frame sent by the server.
func DecodeServer(data []byte) (model.Frame, error) {
	var f model.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Frame{}, model.Errorf(model.KindProtocol, "invalid message format")
	}
	switch f.Type {
	case model.FrameWelcome, model.FrameStatusUpdated, model.FramePartnerOnline,
		model.FramePartnerOffline, model.FramePartnerStatus, model.FrameError:
		return f, nil
	default:
		return model.Frame{}, model.Errorf(model.KindProtocol, "unknown message type %q", f.Type)
	}
}

func NewStatusUpdate(status string) model.Frame {
	return model.Frame{Type: model.FrameStatusUpdate, Status: &status}
}

func NewWelcome(identity model.Identity) model.Frame {
	return model.Frame{Type: model.FrameWelcome, Identity: &identity}
}

func NewStatusUpdated(status string, ts time.Time) model.Frame {
	return model.Frame{Type: model.FrameStatusUpdated, Status: &status, Timestamp: &ts}
}

func NewPartnerOnline() model.Frame {
	return model.Frame{Type: model.FramePartnerOnline}
}

func NewPartnerOffline(ts time.Time) model.Frame {
	return model.Frame{Type: model.FramePartnerOffline, Timestamp: &ts}
}

func NewPartnerStatus(status string, ts time.Time) model.Frame {
	return model.Frame{Type: model.FramePartnerStatus, Status: &status, Timestamp: &ts}
}

func NewError(message string) model.Frame {
	return model.Frame{Type: model.FrameError, Message: message}
}
