// Package call implements the call session state machine: it composes local
// media, the peer connection, the data channel and the connection monitor and
// is the only surface the UI layer talks to.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/adapters/rtc"
	"github.com/dkeye/Televisit/internal/config"
	"github.com/dkeye/Televisit/internal/core"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionActive  = errors.New("a call session is already active")
	ErrNotInitialized = errors.New("call session not initialized")
	ErrSessionEnded   = errors.New("call session ended")
	ErrSameID         = errors.New("local and remote participant ids are equal")
	ErrICEFailed      = errors.New("ice connection failed")
)

const (
	defaultAcquireTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	bookkeepingTimeout      = 5 * time.Second
	// hangupTries is the first send plus one retry.
	hangupTries = 2
)

type Params struct {
	SessionID   domain.SessionID
	LocalID     domain.ParticipantID
	DisplayName string
	Role        domain.Role
	RemoteID    domain.ParticipantID
	// ICEServers overrides the configured servers when non-empty.
	ICEServers []rtc.ICEServer
	// Constraints defaults to domain.DefaultMediaConstraints.
	Constraints *domain.MediaConstraints
}

type Deps struct {
	Signal  core.SignalingTransport
	Devices core.DeviceProvider
	// Bookkeeper is optional.
	Bookkeeper core.Bookkeeper
}

// Snapshot is a copy of the session as seen by the UI layer.
type Snapshot struct {
	Session domain.CallSession
	Local   domain.Participant
	Remote  domain.Participant
	Tracks  []domain.MediaTrackState
	Quality *domain.QualitySample
	Chat    []domain.ChatMessage
}

// Controller serves a single call session. After Ended or Failed a new
// Controller is needed.
type Controller struct {
	cfg    config.CallConfig
	deps   Deps
	events *emitter
	inbox  *queue[domain.SignalingMessage]
	logger zerolog.Logger

	mu           sync.Mutex
	session      domain.CallSession
	local        *domain.Participant
	remote       *domain.Participant
	att          *attempt
	joined       bool
	initializing bool
	seen         map[string]struct{}
	chat         []domain.ChatMessage
	finalTier    domain.QualityTier

	hangupOnce sync.Once
	bookOnce   sync.Once
}

func NewController(cfg config.CallConfig, deps Deps) *Controller {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		events: newEmitter(),
		inbox:  newQueue[domain.SignalingMessage](),
		logger: log.With().Str("module", "call").Logger(),
		seen:   make(map[string]struct{}),
	}
	c.session.State = domain.StateIdle
	return c
}

// OnEvent sets the event handler. Events are delivered in order on a
// dedicated goroutine.
func (c *Controller) OnEvent(fn func(Event)) { c.events.setHandler(fn) }

func (c *Controller) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

func (p Params) validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("session id: %w", domain.ErrMissingRoute)
	}
	if !p.Role.Valid() {
		return domain.ErrInvalidRole
	}
	if err := p.LocalID.Validate(); err != nil {
		return fmt.Errorf("local participant: %w", err)
	}
	if err := p.RemoteID.Validate(); err != nil {
		return fmt.Errorf("remote participant: %w", err)
	}
	if p.LocalID == p.RemoteID {
		return ErrSameID
	}
	return nil
}

// Initialize starts the session and blocks until it is Connected. Device and
// handshake failures reset the session to Idle so Initialize can be retried.
func (c *Controller) Initialize(ctx context.Context, p Params) error {
	if err := p.validate(); err != nil {
		return err
	}
	local, err := domain.NewParticipant(p.LocalID, p.DisplayName, p.Role)
	if err != nil {
		return err
	}
	remote, err := domain.NewParticipant(p.RemoteID, "", p.Role.Peer())
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch {
	case c.session.State.Terminal():
		c.mu.Unlock()
		return ErrSessionEnded
	case c.session.State != domain.StateIdle || c.initializing:
		c.mu.Unlock()
		return ErrSessionActive
	case c.joined && (c.session.ID != p.SessionID || c.session.LocalParticipantID != p.LocalID):
		c.mu.Unlock()
		return fmt.Errorf("%w: transport joined %s", ErrSessionActive, c.session.ID)
	}
	c.initializing = true
	c.session = domain.CallSession{
		ID:                 p.SessionID,
		LocalParticipantID: local.ID,
		LocalRole:          p.Role,
		State:              domain.StateIdle,
		StartedAt:          time.Now().UTC(),
	}
	c.local, c.remote = local, remote
	if !c.joined {
		c.logger = log.With().Str("module", "call").Str("sid", string(p.SessionID)).Str("role", string(p.Role)).Logger()
	}
	att := newAttempt(c, p)
	c.att = att
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.initializing = false
		c.mu.Unlock()
	}()

	c.transition(domain.StateInitializing, domain.ReasonNone)
	if err := c.run(ctx, att, p); err != nil {
		if c.abort(att) {
			c.logger.Warn().Err(err).Msg("initialize failed, back to idle")
		}
		if c.State().Terminal() {
			return fmt.Errorf("%w: %w", ErrSessionEnded, err)
		}
		return err
	}
	return nil
}

func (c *Controller) run(ctx context.Context, att *attempt, p Params) error {
	if err := c.join(ctx, p); err != nil {
		return err
	}

	cons := domain.DefaultMediaConstraints()
	if p.Constraints != nil {
		cons = *p.Constraints
	}
	tracks, err := c.acquire(ctx, att, cons)
	if err != nil {
		return err
	}

	servers := p.ICEServers
	if len(servers) == 0 {
		servers = c.cfg.ICEServers
	}
	if err := att.connect(servers, tracks); err != nil {
		return err
	}
	if !c.advance(att, domain.StateNegotiating) {
		return ErrSessionEnded
	}
	go att.dispatch()

	if p.Role == domain.RoleCaller {
		offer, err := att.pcm.CreateOffer(att.ctx)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		msg := domain.NewDescriptionSignal(p.SessionID, p.LocalID, p.RemoteID, offer)
		if err := c.deps.Signal.Send(att.ctx, msg); err != nil {
			return &domain.SignalingDeliveryError{Type: msg.Type, Attempts: 1, Err: err}
		}
		c.logger.Info().Msg("offer sent")
	}
	return c.awaitConnected(ctx, att)
}

func (c *Controller) join(ctx context.Context, p Params) error {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if joined {
		return nil
	}
	c.deps.Signal.OnMessage(c.inbox.push)
	if err := c.deps.Signal.Join(ctx, p.SessionID, p.LocalID, p.Role); err != nil {
		return fmt.Errorf("join relay: %w", err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) acquire(ctx context.Context, att *attempt, cons domain.MediaConstraints) ([]webrtc.TrackLocal, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	stop := context.AfterFunc(att.ctx, cancel)
	defer stop()

	tracks, err := att.media.AcquireLocalMedia(actx, cons)
	if err == nil {
		return tracks, nil
	}
	switch {
	case att.ctx.Err() != nil:
		return nil, ErrSessionEnded
	case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return nil, &domain.NegotiationTimeoutError{Stage: domain.StageDeviceAcquisition, After: c.cfg.AcquireTimeout}
	}
	return nil, err
}

func (c *Controller) awaitConnected(ctx context.Context, att *attempt) error {
	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-att.connected:
		return nil
	case err := <-att.failed:
		return err
	case <-timer.C:
		return &domain.NegotiationTimeoutError{Stage: domain.StageHandshake, After: c.cfg.HandshakeTimeout}
	case <-att.ctx.Done():
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort drops a failed attempt and resets the session to Idle. It reports
// false when the attempt was already taken by EndCall.
func (c *Controller) abort(att *attempt) bool {
	c.mu.Lock()
	if c.att != att {
		c.mu.Unlock()
		return false
	}
	c.att = nil
	from := c.session.State
	// A connection that came up as the handshake timed out is dropped too.
	reset := !from.Terminal() && from != domain.StateIdle
	if reset {
		c.session.State = domain.StateIdle
	}
	c.mu.Unlock()

	if err := att.release(); err != nil {
		c.logger.Warn().Err(err).Msg("release after failed initialize")
	}
	if reset {
		c.logger.Info().Str("from", string(from)).Str("to", string(domain.StateIdle)).Msg("state changed")
		c.events.emit(Event{Kind: EventStateChanged, State: domain.StateIdle})
	}
	return true
}

// detach removes att as the current attempt.
func (c *Controller) detach(att *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if att == nil || c.att != att {
		return false
	}
	c.att = nil
	return true
}

// transition applies one state machine edge and emits state_changed. Invalid
// edges, including any edge out of a terminal state, are no-ops.
func (c *Controller) transition(to domain.State, reason domain.ReasonCode) bool {
	return c.move(nil, to, reason)
}

// move applies the edge; a non-nil att must still be the current attempt.
func (c *Controller) move(att *attempt, to domain.State, reason domain.ReasonCode) bool {
	c.mu.Lock()
	from := c.session.State
	if (att != nil && c.att != att) || !from.CanTransition(to) {
		c.mu.Unlock()
		return false
	}
	c.session.State = to
	if to.Terminal() {
		now := time.Now().UTC()
		c.session.EndedAt = &now
	}
	if to == domain.StateFailed {
		c.session.FailReason = reason
	}
	c.mu.Unlock()

	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	c.events.emit(Event{Kind: EventStateChanged, State: to, Reason: reason})
	return true
}

func (c *Controller) emitError(err error, reason domain.ReasonCode) {
	c.events.emit(Event{Kind: EventError, Err: err, Reason: reason})
}

// EndCall ends the session from any non-terminal state. It sends one hangup,
// retried once, and releases every resource even when some releases fail.
// Calling it on a terminal session is a no-op.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.session.State.Terminal() {
		c.mu.Unlock()
		return nil
	}
	att := c.att
	c.att = nil
	joined := c.joined
	sid, from := c.session.ID, c.session.LocalParticipantID
	var to domain.ParticipantID
	if c.remote != nil {
		to = c.remote.ID
	}
	c.mu.Unlock()

	if att != nil {
		att.cancel()
	}
	c.transition(domain.StateEnded, domain.ReasonNone)

	var errs []error
	if joined {
		if err := c.sendHangup(ctx, sid, from, to); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.teardown(att))
	if err := c.bookkeep(ctx); err != nil {
		errs = append(errs, err)
	}
	c.events.close()
	c.logger.Info().Msg("call ended")
	return errors.Join(errs...)
}

// sendHangup sends at most one hangup for the session. A failed send is
// retried with the same message id so the receiver can dedupe.
func (c *Controller) sendHangup(ctx context.Context, sid domain.SessionID, from, to domain.ParticipantID) error {
	var err error
	c.hangupOnce.Do(func() {
		tries := hangupTries
		msg := domain.NewHangupSignal(sid, from, to)
		for n := 1; n <= tries; n++ {
			if err = c.deps.Signal.Send(ctx, msg); err == nil {
				c.logger.Info().Int("attempt", n).Msg("hangup sent")
				return
			}
			c.logger.Warn().Err(err).Int("attempt", n).Msg("hangup not delivered")
			if ctx.Err() != nil {
				tries = n
				break
			}
		}
		err = &domain.SignalingDeliveryError{Type: domain.SignalHangup, Attempts: tries, Err: err}
	})
	return err
}

// teardown releases the attempt and closes the transport; each release runs
// regardless of the others.
func (c *Controller) teardown(att *attempt) error {
	var errs []error
	if att != nil {
		tier := att.tier()
		c.mu.Lock()
		c.finalTier = tier
		c.mu.Unlock()
		errs = append(errs, att.release())
	}
	if err := c.deps.Signal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Controller) bookkeep(ctx context.Context) error {
	if c.deps.Bookkeeper == nil {
		return nil
	}
	c.mu.Lock()
	sum := domain.SessionSummary{SessionID: c.session.ID, FinalQualityTier: c.finalTier}
	if c.session.EndedAt != nil {
		sum.EndedAt = *c.session.EndedAt
	}
	c.mu.Unlock()
	if sum.SessionID == "" {
		return nil
	}

	var err error
	c.bookOnce.Do(func() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer cancel()
		if err = c.deps.Bookkeeper.Complete(bctx, sum); err != nil {
			err = fmt.Errorf("bookkeeping: %w", err)
			c.logger.Error().Err(err).Msg("session summary not stored")
		}
	})
	return err
}

// remoteHangup ends the session without answering with a hangup.
func (c *Controller) remoteHangup() {
	c.mu.Lock()
	if c.session.State.Terminal() {
		c.mu.Unlock()
		return
	}
	att := c.att
	c.att = nil
	c.mu.Unlock()

	c.logger.Info().Msg("remote hung up")
	if att != nil {
		att.cancel()
	}
	c.transition(domain.StateEnded, domain.ReasonNone)
	if err := c.teardown(att); err != nil {
		c.logger.Warn().Err(err).Msg("teardown after remote hangup")
	}
	_ = c.bookkeep(context.Background())
	c.events.close()
}

// fail moves the session to Failed after recovery ran out.
func (c *Controller) fail(att *attempt, attempts int, reason domain.ReasonCode) {
	if !c.detach(att) {
		return
	}
	att.cancel()
	failed := c.transition(domain.StateFailed, reason)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	if failed {
		c.emitError(&domain.ConnectionFailedError{Reason: reason, Attempts: attempts}, reason)
		c.mu.Lock()
		sid, from, to := c.session.ID, c.session.LocalParticipantID, c.remote.ID
		c.mu.Unlock()
		if err := c.sendHangup(ctx, sid, from, to); err != nil {
			c.logger.Warn().Err(err).Msg("hangup after failure")
		}
	}
	if err := c.teardown(att); err != nil {
		c.logger.Warn().Err(err).Msg("teardown after failure")
	}
	if failed {
		_ = c.bookkeep(ctx)
		c.events.close()
	}
}

func (c *Controller) active() (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.session.State.Terminal():
		return nil, ErrSessionEnded
	case c.att == nil:
		return nil, ErrNotInitialized
	}
	return c.att, nil
}

// ToggleVideo flips the local video flag and announces it to the remote side.
func (c *Controller) ToggleVideo() (bool, error) {
	att, err := c.active()
	if err != nil {
		return false, err
	}
	return att.media.ToggleVideo()
}

// ToggleAudio flips the local audio flag and announces it to the remote side.
func (c *Controller) ToggleAudio() (bool, error) {
	att, err := c.active()
	if err != nil {
		return false, err
	}
	return att.media.ToggleAudio()
}

func (c *Controller) StartScreenShare(ctx context.Context) error {
	att, err := c.active()
	if err != nil {
		return err
	}
	return att.media.StartScreenShare(ctx)
}

// StopScreenShare is a no-op when nothing is shared.
func (c *Controller) StopScreenShare() error {
	att, err := c.active()
	if err != nil {
		return err
	}
	return att.media.StopScreenShare()
}

// SendChat sends body over the data channel. Before the channel opens the
// message is queued, not dropped.
func (c *Controller) SendChat(body string) (*domain.ChatMessage, error) {
	att, err := c.active()
	if err != nil {
		return nil, err
	}
	msg, err := att.msgr.SendChat(body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chat = append(c.chat, *msg)
	c.mu.Unlock()
	c.events.emit(Event{Kind: EventChat, Chat: msg})
	return msg, nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Session: c.session,
		Chat:    append([]domain.ChatMessage(nil), c.chat...),
	}
	if c.local != nil {
		s.Local = *c.local
	}
	if c.remote != nil {
		s.Remote = *c.remote
	}
	att := c.att
	c.mu.Unlock()

	if att != nil {
		s.Tracks = att.media.TrackStates()
		if q, ok := att.latest(); ok {
			s.Quality = &q
		}
	}
	return s
}
