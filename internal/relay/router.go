package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Televisit/internal/config"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/dkeye/Televisit/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	sessionKeyParticipant = "participant_id"
	sessionKeySession     = "session_id"
)

// SessionStore persists session status for the relay.
type SessionStore interface {
	Activate(ctx context.Context, sid domain.SessionID) error
	Complete(ctx context.Context, sum domain.SessionSummary) error
	Get(ctx context.Context, sid domain.SessionID) (store.Record, error)
}

type Server struct {
	cfg     config.ServerConfig
	hub     *Hub
	store   SessionStore
	limiter *SignalRateLimiter
	logger  zerolog.Logger
}

func NewServer(cfg config.ServerConfig, hub *Hub, st SessionStore) *Server {
	return &Server{
		cfg:     cfg,
		hub:     hub,
		store:   st,
		limiter: NewSignalRateLimiter(cfg.SignalRate, cfg.SignalBurst),
		logger:  log.With().Str("module", "relay").Logger(),
	}
}

func (s *Server) SetupRouter(ctx context.Context) *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())

	cookies := cookie.NewStore([]byte(s.cfg.Secret))
	cookies.Options(sessions.Options{Path: "/", MaxAge: 3600 * 12, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("TelevisitSession", cookies))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/sessions/:id")
	api.POST("/join", s.handleJoin)
	api.POST("/leave", s.handleLeave)
	api.POST("/signal", s.handleSignal)
	api.GET("/messages", s.handleMessages)
	api.GET("/ws", func(c *gin.Context) { s.handleWS(ctx, c) })
	api.POST("/complete", s.handleComplete)
	api.GET("", s.handleGet)

	s.logger.Info().Int("origins", len(s.cfg.AllowedOrigins)).Msg("router setup")
	return r
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	if len(s.cfg.AllowedOrigins) == 0 {
		return cors.Default()
	}
	cc := cors.DefaultConfig()
	cc.AllowOrigins = s.cfg.AllowedOrigins
	cc.AllowCredentials = true
	return cors.New(cc)
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func cookieParticipant(c *gin.Context) (domain.ParticipantID, bool) {
	sess := sessions.Default(c)
	if sid, _ := sess.Get(sessionKeySession).(string); sid != c.Param("id") {
		return "", false
	}
	pid, _ := sess.Get(sessionKeyParticipant).(string)
	return domain.ParticipantID(pid), pid != ""
}

// participant resolves the requesting participant from the cookie session or
// the participant_id query. Both must agree when both are present.
func participant(c *gin.Context) (domain.ParticipantID, bool) {
	q := domain.ParticipantID(c.Query("participant_id"))
	if pid, ok := cookieParticipant(c); ok {
		if q != "" && q != pid {
			return "", false
		}
		return pid, true
	}
	return q, q.Validate() == nil
}

func abortErr(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleJoin(c *gin.Context) {
	sid := sessionID(c)
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if err := s.hub.Join(sid, req.ParticipantID, req.Role); err != nil {
		switch {
		case errors.Is(err, ErrSessionFull), errors.Is(err, ErrRoleTaken):
			abortErr(c, http.StatusConflict, err)
		default:
			abortErr(c, http.StatusBadRequest, err)
		}
		return
	}
	if err := s.store.Activate(c.Request.Context(), sid); err != nil {
		s.logger.Error().Err(err).Str("sid", string(sid)).Msg("activate failed")
		abortErr(c, http.StatusInternalServerError, err)
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionKeySession, string(sid))
	sess.Set(sessionKeyParticipant, string(req.ParticipantID))
	if err := sess.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("session cookie not saved")
	}

	c.JSON(http.StatusOK, JoinResponse{
		SessionID:     sid,
		ParticipantID: req.ParticipantID,
		Role:          req.Role,
		Participants:  s.hub.Participants(sid),
	})
}

func (s *Server) handleLeave(c *gin.Context) {
	sid := sessionID(c)
	var req LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	s.hub.Leave(sid, req.ParticipantID)
	s.limiter.Forget(sid, req.ParticipantID)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSignal(c *gin.Context) {
	sid := sessionID(c)
	var w domain.WireMessage
	if err := c.ShouldBindJSON(&w); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if w.SessionID == "" {
		w.SessionID = sid
	}
	if pid, ok := cookieParticipant(c); ok && pid != w.From {
		abortErr(c, http.StatusForbidden, ErrNotJoined)
		return
	}
	status, err := s.accept(sid, w)
	if err != nil {
		abortErr(c, status, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": w.ID})
}

// accept validates, rate limits and queues one inbound signal. The returned
// status is meaningful only with a non-nil error.
func (s *Server) accept(sid domain.SessionID, w domain.WireMessage) (int, error) {
	if w.SessionID != sid {
		return http.StatusBadRequest, domain.ErrMissingRoute
	}
	if _, err := w.Message(); err != nil {
		return http.StatusBadRequest, err
	}
	if !s.limiter.Allow(sid, w.From) {
		s.logger.Warn().Str("sid", string(sid)).Str("from", string(w.From)).Msg("signal rate limited")
		return http.StatusTooManyRequests, errRateLimited
	}
	if err := s.hub.Signal(w); err != nil {
		switch {
		case errors.Is(err, ErrNotJoined):
			return http.StatusForbidden, err
		case errors.Is(err, ErrQueueFull):
			return http.StatusServiceUnavailable, err
		case errors.Is(err, ErrUnknownRecipient):
			return http.StatusNotFound, err
		default:
			return http.StatusBadRequest, err
		}
	}
	s.logger.Debug().
		Str("sid", string(sid)).
		Str("from", string(w.From)).
		Str("to", string(w.To)).
		Str("type", string(w.SignalType)).
		Msg("signal queued")
	return http.StatusAccepted, nil
}

var errRateLimited = errors.New("too many signals")

func (s *Server) handleMessages(c *gin.Context) {
	sid := sessionID(c)
	pid, ok := participant(c)
	if !ok {
		abortErr(c, http.StatusBadRequest, domain.ErrParticipantIDEmpty)
		return
	}

	var wait time.Duration
	if q := c.Query("wait"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil {
			abortErr(c, http.StatusBadRequest, err)
			return
		}
		wait = min(d, s.cfg.PollWait)
	}

	var (
		msgs []domain.WireMessage
		err  error
	)
	if wait <= 0 {
		msgs, err = s.hub.Drain(sid, pid)
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		msgs, err = s.hub.Wait(ctx, sid, pid)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if err != nil {
		abortErr(c, http.StatusForbidden, err)
		return
	}
	if msgs == nil {
		msgs = []domain.WireMessage{}
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: msgs})
}

func (s *Server) handleComplete(c *gin.Context) {
	sid := sessionID(c)
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortErr(c, http.StatusBadRequest, err)
		return
	}
	if req.EndedAt.IsZero() {
		req.EndedAt = time.Now().UTC()
	}
	sum := domain.SessionSummary{SessionID: sid, EndedAt: req.EndedAt, FinalQualityTier: req.FinalQualityTier}
	if err := s.store.Complete(c.Request.Context(), sum); err != nil {
		s.logger.Error().Err(err).Str("sid", string(sid)).Msg("complete failed")
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGet(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), sessionID(c))
	if errors.Is(err, store.ErrNotFound) {
		abortErr(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
