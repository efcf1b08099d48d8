package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxChatBodyLen = 4096

var (
	ErrChatBodyEmpty   = errors.New("chat body empty")
	ErrChatBodyTooLong = errors.New("chat body too long")
)

// ChatMessage is append-only; order is the data channel delivery order.
type ChatMessage struct {
	ID         string        `json:"id"`
	SenderID   ParticipantID `json:"sender_id"`
	SenderRole Role          `json:"sender_role"`
	Body       string        `json:"body"`
	SentAt     time.Time     `json:"sent_at"`
}

func NewChatMessage(sender ParticipantID, role Role, body string) (*ChatMessage, error) {
	if len(body) == 0 {
		return nil, ErrChatBodyEmpty
	}
	if len(body) > MaxChatBodyLen {
		return nil, ErrChatBodyTooLong
	}
	return &ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   sender,
		SenderRole: role,
		Body:       body,
		SentAt:     time.Now().UTC(),
	}, nil
}
