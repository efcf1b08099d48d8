package relay

import (
	"time"

	"github.com/dkeye/Televisit/internal/domain"
)

// FrameType tags every websocket frame exchanged with the relay.
type FrameType string

const (
	FrameSignal FrameType = "signal"
	FrameAck    FrameType = "ack"
	FrameError  FrameType = "error"
	FramePing   FrameType = "ping"
	FramePong   FrameType = "pong"
)

// Frame is the websocket envelope. Clients send signal and ping frames; the
// relay answers every signal frame with ack or error carrying the message id
// and pushes queued messages as signal frames.
type Frame struct {
	Type    FrameType           `json:"type"`
	ID      string              `json:"id,omitempty"`
	Message *domain.WireMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type JoinRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id" binding:"required"`
	Role          domain.Role          `json:"role" binding:"required"`
}

type JoinResponse struct {
	SessionID     domain.SessionID                     `json:"session_id"`
	ParticipantID domain.ParticipantID                 `json:"participant_id"`
	Role          domain.Role                          `json:"role"`
	Participants  map[domain.ParticipantID]domain.Role `json:"participants"`
}

type LeaveRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id" binding:"required"`
}

type MessagesResponse struct {
	Messages []domain.WireMessage `json:"messages"`
}

type CompleteRequest struct {
	EndedAt          time.Time          `json:"ended_at"`
	FinalQualityTier domain.QualityTier `json:"final_quality_tier"`
}
