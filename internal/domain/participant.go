package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 64
)

var (
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrInvalidRole          = errors.New("invalid role")
)

type ParticipantID string

func (id ParticipantID) Validate() error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDTooLong
	}
	return nil
}

// Participant is one side of the call. The remote participant's media flags
// are only ever changed by inbound presence messages.
type Participant struct {
	ID              ParticipantID   `json:"id"`
	DisplayName     string          `json:"display_name"`
	Role            Role            `json:"role"`
	VideoEnabled    bool            `json:"video_enabled"`
	AudioEnabled    bool            `json:"audio_enabled"`
	ConnectionState ConnectionState `json:"connection_state"`
}

// NewParticipant avoids ad-hoc struct literals; an empty id gets a fresh uuid.
func NewParticipant(id ParticipantID, displayName string, role Role) (*Participant, error) {
	if id == "" {
		id = ParticipantID(uuid.NewString())
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	return &Participant{
		ID:              id,
		DisplayName:     displayName,
		Role:            role,
		VideoEnabled:    true,
		AudioEnabled:    true,
		ConnectionState: ConnectionStateNew,
	}, nil
}

// Apply copies presence flags onto the participant.
func (p *Participant) Apply(pr Presence) {
	p.VideoEnabled = pr.VideoEnabled
	p.AudioEnabled = pr.AudioEnabled
}

// Presence is the media flag update exchanged over the data channel.
type Presence struct {
	ParticipantID ParticipantID `json:"participant_id"`
	VideoEnabled  bool          `json:"video_enabled"`
	AudioEnabled  bool          `json:"audio_enabled"`
}

// ConnectionState mirrors the ICE connection states of the peer connection.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateChecking     ConnectionState = "checking"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)
