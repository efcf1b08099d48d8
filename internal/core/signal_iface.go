package core

import (
	"context"

	"github.com/dkeye/Televisit/internal/domain"
)

// SignalingTransport pumps control messages through the external relay.
// Delivery is at-least-once and may reorder messages of different types;
// receivers dedupe by message ID and buffer early ICE candidates.
type SignalingTransport interface {
	// Join registers the participant with the relay for sessionID.
	Join(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, role domain.Role) error
	Send(ctx context.Context, msg domain.SignalingMessage) error
	// OnMessage sets the inbound handler. Handlers run on the transport's
	// delivery goroutine and must not block for long.
	OnMessage(fn func(domain.SignalingMessage))
	Close() error
}
