// Package signal implements core.SignalingTransport against the relay: an
// in-process transport bound to a relay.Hub and a websocket client for a
// remote relay server.
package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/dkeye/Televisit/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotJoined     = errors.New("transport has not joined a session")
	ErrAlreadyJoined = errors.New("transport already joined")
	ErrClosed        = errors.New("transport closed")
)

// Local talks to a relay.Hub in the same process.
type Local struct {
	hub    *relay.Hub
	logger zerolog.Logger

	mu      sync.Mutex
	sid     domain.SessionID
	pid     domain.ParticipantID
	joined  bool
	closed  bool
	handler func(domain.SignalingMessage)
	cancel  context.CancelFunc
}

func NewLocal(hub *relay.Hub) *Local {
	return &Local{hub: hub, logger: log.With().Str("module", "signal").Str("transport", "local").Logger()}
}

func (l *Local) OnMessage(fn func(domain.SignalingMessage)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *Local) Join(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, role domain.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return ErrClosed
	case l.joined:
		return ErrAlreadyJoined
	}
	if err := l.hub.Join(sid, pid, role); err != nil {
		return err
	}
	l.sid, l.pid, l.joined = sid, pid, true
	l.logger = l.logger.With().Str("sid", string(sid)).Str("participant", string(pid)).Logger()

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.receive(loopCtx)
	return nil
}

func (l *Local) receive(ctx context.Context) {
	for {
		msgs, err := l.hub.Wait(ctx, l.sid, l.pid)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				l.logger.Warn().Err(err).Msg("receive stopped")
			}
			return
		}
		for _, w := range msgs {
			if ctx.Err() != nil {
				return
			}
			deliver(l.logger, w, l.currentHandler())
		}
	}
}

func (l *Local) currentHandler() func(domain.SignalingMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *Local) Send(ctx context.Context, msg domain.SignalingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	joined, closed := l.joined, l.closed
	l.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !joined:
		return ErrNotJoined
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	w, err := msg.Wire()
	if err != nil {
		return err
	}
	return l.hub.Signal(w)
}

// Close stops receiving and leaves the session. Messages already queued for
// the remote participant stay deliverable. It may be called from inside the
// message handler.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	cancel, joined := l.cancel, l.joined
	l.mu.Unlock()

	if !joined {
		return nil
	}
	cancel()
	l.hub.Leave(l.sid, l.pid)
	l.logger.Info().Msg("left session")
	return nil
}

// deliver decodes a relay message and hands it to the handler.
func deliver(logger zerolog.Logger, w domain.WireMessage, fn func(domain.SignalingMessage)) {
	msg, err := w.Message()
	if err != nil {
		logger.Warn().Err(err).Str("type", string(w.SignalType)).Msg("dropping malformed signal")
		return
	}
	if fn == nil {
		logger.Warn().Str("type", string(msg.Type)).Msg("no handler for signal")
		return
	}
	fn(msg)
}
