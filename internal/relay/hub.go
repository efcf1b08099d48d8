// Package relay is the signaling relay the two participants of a call talk
// through: join, signal, and a poll or push drain of queued messages.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	MaxParticipants = 2
	DefaultMaxQueue = 512
)

var (
	ErrSessionFull = errors.New("session already has two participants")
	ErrRoleTaken   = errors.New("role already taken in this session")
	ErrNotJoined   = errors.New("participant has not joined the session")
	ErrQueueFull   = errors.New("recipient queue full")
	// ErrUnknownRecipient is returned for a recipient that is neither a
	// member nor the one absent peer a session can hold messages for.
	ErrUnknownRecipient = errors.New("recipient is not part of the session")
)

type mailbox struct {
	role   domain.Role
	joined bool
	queue  []domain.WireMessage
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type session struct {
	boxes map[domain.ParticipantID]*mailbox
}

func (s *session) joined() int {
	n := 0
	for _, b := range s.boxes {
		if b.joined {
			n++
		}
	}
	return n
}

// Hub keeps one mailbox per participant. Messages for a participant that has
// not joined yet are held until it does.
type Hub struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*session
	maxQueue int
}

func NewHub(maxQueue int) *Hub {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	return &Hub{
		sessions: make(map[domain.SessionID]*session),
		maxQueue: maxQueue,
	}
}

func (h *Hub) box(sid domain.SessionID, pid domain.ParticipantID) *mailbox {
	s, ok := h.sessions[sid]
	if !ok {
		s = &session{boxes: make(map[domain.ParticipantID]*mailbox)}
		h.sessions[sid] = s
	}
	b, ok := s.boxes[pid]
	if !ok {
		b = newMailbox()
		s.boxes[pid] = b
	}
	return b
}

// Join registers a participant. Joining again with the same role is a no-op.
func (h *Hub) Join(sid domain.SessionID, pid domain.ParticipantID, role domain.Role) error {
	if err := pid.Validate(); err != nil {
		return err
	}
	if !role.Valid() {
		return domain.ErrInvalidRole
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[sid]; ok {
		if b, ok := s.boxes[pid]; ok && b.joined {
			if b.role != role {
				return ErrRoleTaken
			}
			return nil
		}
		if s.joined() >= MaxParticipants {
			return ErrSessionFull
		}
		for other, b := range s.boxes {
			if other != pid && b.joined && b.role == role {
				return ErrRoleTaken
			}
		}
		// A newcomer takes the slot held for an absent recipient.
		if _, ok := s.boxes[pid]; !ok && len(s.boxes) >= MaxParticipants {
			for other, b := range s.boxes {
				if !b.joined {
					delete(s.boxes, other)
					log.Info().Str("module", "relay").Str("sid", string(sid)).Str("participant", string(other)).Int("dropped", len(b.queue)).Msg("pending mailbox replaced")
				}
			}
		}
	}
	b := h.box(sid, pid)
	b.role = role
	b.joined = true
	log.Info().Str("module", "relay").Str("sid", string(sid)).Str("participant", string(pid)).Str("role", string(role)).Int("queued", len(b.queue)).Msg("joined")
	return nil
}

// Signal queues a message for its recipient. A recipient that has not joined
// yet gets a mailbox only while the session has a free slot.
func (h *Hub) Signal(msg domain.WireMessage) error {
	if msg.SessionID == "" || msg.From == "" || msg.To == "" {
		return domain.ErrMissingRoute
	}
	if msg.From == msg.To {
		return ErrUnknownRecipient
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[msg.SessionID]
	if !ok {
		return ErrNotJoined
	}
	if b, ok := s.boxes[msg.From]; !ok || !b.joined {
		return ErrNotJoined
	}
	to, ok := s.boxes[msg.To]
	if !ok {
		if len(s.boxes) >= MaxParticipants {
			return ErrUnknownRecipient
		}
		to = newMailbox()
		s.boxes[msg.To] = to
	}
	if len(to.queue) >= h.maxQueue {
		return ErrQueueFull
	}
	to.queue = append(to.queue, msg)
	to.wake()
	return nil
}

// Drain returns and clears the queued messages of a participant.
func (h *Hub) Drain(sid domain.SessionID, pid domain.ParticipantID) ([]domain.WireMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.joinedBox(sid, pid)
	if err != nil {
		return nil, err
	}
	out := b.queue
	b.queue = nil
	return out, nil
}

// Wait drains the queue, blocking until at least one message is queued or
// ctx is done. A done ctx with an empty queue returns ctx.Err().
func (h *Hub) Wait(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) ([]domain.WireMessage, error) {
	for {
		h.mu.Lock()
		b, err := h.joinedBox(sid, pid)
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
		if len(b.queue) > 0 {
			out := b.queue
			b.queue = nil
			h.mu.Unlock()
			return out, nil
		}
		notify := b.notify
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// Requeue puts undelivered messages back at the head of the queue. Messages
// for a participant that left in the meantime are dropped.
func (h *Hub) Requeue(sid domain.SessionID, pid domain.ParticipantID, msgs []domain.WireMessage) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sid]
	if !ok {
		return
	}
	b, ok := s.boxes[pid]
	if !ok {
		return
	}
	b.queue = append(append([]domain.WireMessage(nil), msgs...), b.queue...)
	b.wake()
}

func (h *Hub) joinedBox(sid domain.SessionID, pid domain.ParticipantID) (*mailbox, error) {
	s, ok := h.sessions[sid]
	if !ok {
		return nil, ErrNotJoined
	}
	b, ok := s.boxes[pid]
	if !ok || !b.joined {
		return nil, ErrNotJoined
	}
	return b, nil
}

// Leave removes a participant; the session is dropped with its last member.
func (h *Hub) Leave(sid domain.SessionID, pid domain.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sid]
	if !ok {
		return
	}
	if b, ok := s.boxes[pid]; ok {
		b.wake()
		delete(s.boxes, pid)
	}
	if s.joined() == 0 {
		delete(h.sessions, sid)
		log.Info().Str("module", "relay").Str("sid", string(sid)).Msg("session released")
	}
}

// Participants returns the joined participants and their roles.
func (h *Hub) Participants(sid domain.SessionID) map[domain.ParticipantID]domain.Role {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[domain.ParticipantID]domain.Role)
	if s, ok := h.sessions[sid]; ok {
		for pid, b := range s.boxes {
			if b.joined {
				out[pid] = b.role
			}
		}
	}
	return out
}
