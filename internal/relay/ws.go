package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer is one websocket connection of a joined participant.
type wsPeer struct {
	conn   *websocket.Conn
	sid    domain.SessionID
	pid    domain.ParticipantID
	logger zerolog.Logger

	writeMu sync.Mutex
}

func (p *wsPeer) writeFrame(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteJSON(f)
}

func (s *Server) handleWS(ctx context.Context, c *gin.Context) {
	sid := sessionID(c)
	pid, ok := participant(c)
	if !ok {
		abortErr(c, http.StatusBadRequest, domain.ErrParticipantIDEmpty)
		return
	}
	if _, joined := s.hub.Participants(sid)[pid]; !joined {
		abortErr(c, http.StatusForbidden, ErrNotJoined)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	peer := &wsPeer{
		conn:   ws,
		sid:    sid,
		pid:    pid,
		logger: s.logger.With().Str("sid", string(sid)).Str("participant", string(pid)).Logger(),
	}
	peer.logger.Info().Msg("ws connected")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		s.readPump(peer)
	}()
	go s.pushPump(ctx, peer)
	go s.pingPump(ctx, peer)
}

// readPump turns inbound frames into queued signals and answers each one with
// an ack or an error frame.
func (s *Server) readPump(p *wsPeer) {
	defer func() {
		p.logger.Info().Msg("ws closing")
		_ = p.conn.Close()
	}()

	if s.cfg.ReadLimit > 0 {
		p.conn.SetReadLimit(s.cfg.ReadLimit)
	}
	pongWait := s.pongWait()
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case FramePing:
			_ = p.writeFrame(Frame{Type: FramePong})
		case FrameSignal:
			s.handleSignalFrame(p, f)
		default:
			p.logger.Warn().Str("type", string(f.Type)).Msg("unknown frame")
		}
	}
}

func (s *Server) handleSignalFrame(p *wsPeer, f Frame) {
	if f.Message == nil {
		_ = p.writeFrame(Frame{Type: FrameError, ID: f.ID, Error: domain.ErrMissingPayload.Error()})
		return
	}
	w := *f.Message
	if w.SessionID == "" {
		w.SessionID = p.sid
	}
	if w.From != p.pid {
		_ = p.writeFrame(Frame{Type: FrameError, ID: w.ID, Error: ErrNotJoined.Error()})
		return
	}
	if _, err := s.accept(p.sid, w); err != nil {
		_ = p.writeFrame(Frame{Type: FrameError, ID: w.ID, Error: err.Error()})
		return
	}
	_ = p.writeFrame(Frame{Type: FrameAck, ID: w.ID})
}

// pushPump forwards queued messages. Messages that could not be written are
// put back for the next connection.
func (s *Server) pushPump(ctx context.Context, p *wsPeer) {
	defer func() { _ = p.conn.Close() }()
	for {
		msgs, err := s.hub.Wait(ctx, p.sid, p.pid)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.logger.Info().Err(err).Msg("push stopped")
			}
			return
		}
		for i := range msgs {
			if err := p.writeFrame(Frame{Type: FrameSignal, ID: msgs[i].ID, Message: &msgs[i]}); err != nil {
				p.logger.Warn().Err(err).Int("requeued", len(msgs)-i).Msg("push write error")
				s.hub.Requeue(p.sid, p.pid, msgs[i:])
				return
			}
		}
	}
}

func (s *Server) pingPump(ctx context.Context, p *wsPeer) {
	period := s.cfg.PingPeriod
	if period <= 0 {
		period = 54 * time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Server) pongWait() time.Duration {
	if s.cfg.PingPeriod <= 0 {
		return 60 * time.Second
	}
	return s.cfg.PingPeriod * 10 / 9
}
