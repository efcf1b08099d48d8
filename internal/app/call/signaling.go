package call

import (
	"github.com/dkeye/Televisit/internal/domain"
)

// dispatch applies inbound signals one at a time. Transport handlers only
// enqueue, so a Send that waits for the relay never blocks delivery.
func (a *attempt) dispatch() {
	for {
		batch, ok := a.c.inbox.next(a.ctx)
		if !ok {
			return
		}
		for _, msg := range batch {
			if a.ctx.Err() != nil {
				return
			}
			a.handle(msg)
		}
	}
}

func (a *attempt) handle(msg domain.SignalingMessage) {
	if !a.c.firstSeen(msg.ID) {
		a.logger.Debug().Str("id", msg.ID).Str("type", string(msg.Type)).Msg("duplicate signal")
		return
	}
	if msg.SessionID != a.sid || msg.To != a.self || msg.From != a.peer {
		a.logger.Warn().
			Str("from", string(msg.From)).
			Str("to", string(msg.To)).
			Str("session", string(msg.SessionID)).
			Msg("signal for another route")
		return
	}

	pcm := a.peerConnection()
	switch msg.Type {
	case domain.SignalHangup:
		a.c.remoteHangup()

	case domain.SignalOffer:
		answer, err := pcm.AcceptOffer(a.ctx, *msg.SDP)
		if err != nil {
			a.negotiationError(err)
			return
		}
		reply := domain.NewDescriptionSignal(a.sid, a.self, a.peer, answer)
		if err := a.c.deps.Signal.Send(a.ctx, reply); err != nil {
			a.negotiationError(&domain.SignalingDeliveryError{Type: reply.Type, Attempts: 1, Err: err})
			return
		}
		a.logger.Info().Msg("answer sent")

	case domain.SignalAnswer:
		if err := pcm.ApplyAnswer(a.ctx, *msg.SDP); err != nil {
			a.negotiationError(err)
			return
		}
		a.logger.Info().Msg("answer applied")
		if pcm.State() == domain.ConnectionStateConnected {
			a.stopWatchdog()
			a.c.advance(a, domain.StateConnected)
		}

	case domain.SignalICECandidate:
		if err := pcm.AddRemoteCandidate(*msg.Candidate); err != nil && a.ctx.Err() == nil {
			a.logger.Warn().Err(err).Str("candidate", msg.Candidate.Candidate).Msg("remote candidate rejected")
		}
	}
}

// negotiationError fails a pending Initialize, or is surfaced as an event
// once the call is up.
func (a *attempt) negotiationError(err error) {
	if a.ctx.Err() != nil {
		return
	}
	if a.c.State() == domain.StateNegotiating {
		a.report(err)
		return
	}
	a.logger.Error().Err(err).Msg("negotiation failed")
	a.c.emitError(err, domain.ReasonNone)
}

// firstSeen records id and reports whether it was new. Messages without an
// id are never treated as duplicates.
func (c *Controller) firstSeen(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = struct{}{}
	return true
}

// advance is transition restricted to the current attempt.
func (c *Controller) advance(att *attempt, to domain.State) bool {
	return c.move(att, to, domain.ReasonNone)
}

func (c *Controller) setConnectionState(cs domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local != nil {
		c.local.ConnectionState = cs
	}
	if c.remote != nil {
		c.remote.ConnectionState = cs
	}
}

func (c *Controller) setLocalFlags(videoOn, audioOn bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local != nil {
		c.local.Apply(domain.Presence{VideoEnabled: videoOn, AudioEnabled: audioOn})
	}
}

// applyRemotePresence is the only writer of the remote participant's flags.
func (c *Controller) applyRemotePresence(p domain.Presence) {
	c.mu.Lock()
	if c.remote == nil || p.ParticipantID != c.remote.ID {
		c.mu.Unlock()
		c.logger.Warn().Str("participant", string(p.ParticipantID)).Msg("presence from unknown participant")
		return
	}
	c.remote.Apply(p)
	c.mu.Unlock()
	c.events.emit(Event{Kind: EventRemotePresence, Presence: &p})
}

func (c *Controller) receiveChat(m domain.ChatMessage) {
	c.mu.Lock()
	c.chat = append(c.chat, m)
	c.mu.Unlock()
	c.events.emit(Event{Kind: EventChat, Chat: &m})
}
