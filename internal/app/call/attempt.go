package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/adapters/rtc"
	"github.com/dkeye/Televisit/internal/app/media"
	"github.com/dkeye/Televisit/internal/app/monitor"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// attempt holds the resources of one Initialize run. Exactly one attempt is
// current per controller; a detached attempt only releases.
type attempt struct {
	c      *Controller
	sid    domain.SessionID
	self   domain.ParticipantID
	peer   domain.ParticipantID
	role   domain.Role
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	media *media.Controller
	msgr  *rtc.DataChannelMessenger
	out   *queue[domain.SignalingMessage]

	connected     chan struct{}
	connectedOnce sync.Once
	failed        chan error

	mu         sync.Mutex
	pcm        *rtc.PeerConnectionManager
	mon        *monitor.Monitor
	monitoring bool
	watchdog   *time.Timer
	released   bool
}

func newAttempt(c *Controller, p Params) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		c:         c,
		sid:       p.SessionID,
		self:      p.LocalID,
		peer:      p.RemoteID,
		role:      p.Role,
		logger:    c.logger,
		ctx:       ctx,
		cancel:    cancel,
		media:     media.NewController(c.deps.Devices),
		msgr:      rtc.NewDataChannelMessenger(p.LocalID, p.Role),
		out:       newQueue[domain.SignalingMessage](),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}

	a.media.OnToggle(func(videoOn, audioOn bool) {
		c.setLocalFlags(videoOn, audioOn)
		if err := a.msgr.SendPresence(domain.Presence{VideoEnabled: videoOn, AudioEnabled: audioOn}); err != nil {
			a.logger.Warn().Err(err).Msg("presence not sent")
		}
	})
	a.msgr.OnOpen(func() {
		videoOn, audioOn := a.media.Flags()
		if err := a.msgr.SendPresence(domain.Presence{VideoEnabled: videoOn, AudioEnabled: audioOn}); err != nil {
			a.logger.Warn().Err(err).Msg("initial presence not sent")
		}
	})
	a.msgr.OnPresence(c.applyRemotePresence)
	a.msgr.OnChat(c.receiveChat)
	return a
}

// connect builds the peer connection for the acquired tracks.
func (a *attempt) connect(servers []rtc.ICEServer, tracks []webrtc.TrackLocal) error {
	api, err := rtc.NewAPI(rtc.APIConfig{IncludeLoopback: a.c.cfg.IncludeLoopback})
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	pcm, err := rtc.NewPeerConnectionManager(api, rtc.Configuration(servers), a.sid, a.role)
	if err != nil {
		return err
	}
	pcm.OnLocalCandidate(func(ci webrtc.ICECandidateInit) {
		a.out.push(domain.NewCandidateSignal(a.sid, a.self, a.peer, ci))
	})
	pcm.OnStateChange(a.onConnectionState)
	pcm.OnTrack(a.onTrack)

	for _, t := range tracks {
		if err := pcm.AddTrack(t); err != nil {
			_ = pcm.Close()
			return err
		}
	}
	if a.role == domain.RoleCaller {
		dc, err := pcm.CreateDataChannel(rtc.DataChannelLabel)
		if err != nil {
			_ = pcm.Close()
			return fmt.Errorf("data channel: %w", err)
		}
		a.msgr.Attach(dc)
	} else {
		pcm.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != rtc.DataChannelLabel {
				a.logger.Warn().Str("label", dc.Label()).Msg("ignoring unknown data channel")
				return
			}
			a.msgr.Attach(dc)
		})
	}

	mon := monitor.New(monitor.Config{
		Interval:      a.c.cfg.StatsInterval,
		PoorThreshold: a.c.cfg.PoorThreshold,
		MaxAttempts:   a.c.cfg.MaxRecoveryAttempts,
		BackoffBase:   a.c.cfg.RecoveryBackoff,
	}, pcm.Stats, monitor.Hooks{
		Restart:   a.restart,
		Exhausted: a.exhausted,
		Sample:    a.sample,
	})

	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		_ = pcm.Close()
		return ErrSessionEnded
	}
	a.pcm, a.mon = pcm, mon
	a.mu.Unlock()

	go a.sendLoop()
	return nil
}

func (a *attempt) peerConnection() *rtc.PeerConnectionManager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pcm
}

// sendLoop trickles local candidates in discovery order.
func (a *attempt) sendLoop() {
	for {
		batch, ok := a.out.next(a.ctx)
		if !ok {
			return
		}
		for _, msg := range batch {
			if err := a.c.deps.Signal.Send(a.ctx, msg); err != nil {
				if a.ctx.Err() != nil {
					return
				}
				a.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("signal not delivered")
				a.c.emitError(&domain.SignalingDeliveryError{Type: msg.Type, Attempts: 1, Err: err}, domain.ReasonNone)
			}
		}
	}
}

func (a *attempt) onConnectionState(cs domain.ConnectionState) {
	if a.ctx.Err() != nil {
		return
	}
	a.c.setConnectionState(cs)

	switch cs {
	case domain.ConnectionStateConnected:
		a.stopWatchdog()
		if a.c.advance(a, domain.StateConnected) {
			a.connectedOnce.Do(func() { close(a.connected) })
			a.startMonitor()
		}
	case domain.ConnectionStateFailed:
		if a.c.State() == domain.StateNegotiating {
			a.report(&domain.NegotiationFailedError{Stage: domain.StageHandshake, Reason: domain.ReasonICEFailed, Err: ErrICEFailed})
			return
		}
		a.c.emitError(ErrICEFailed, domain.ReasonICEFailed)
		a.notifyFailed()
	case domain.ConnectionStateDisconnected:
		a.logger.Warn().Msg("connection disconnected, waiting for ICE")
	}
}

// report hands a negotiation error to a waiting Initialize.
func (a *attempt) report(err error) {
	select {
	case a.failed <- err:
	default:
	}
}

func (a *attempt) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := domain.TrackKind(track.Kind().String())
	a.c.events.emit(Event{Kind: EventRemoteTrack, Track: kind})
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
}

func (a *attempt) startMonitor() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.monitoring || a.released || a.mon == nil {
		return
	}
	a.monitoring = true
	a.mon.Start(a.ctx)
}

func (a *attempt) notifyFailed() {
	a.mu.Lock()
	mon := a.mon
	a.mu.Unlock()
	if mon != nil {
		mon.NotifyFailed()
	}
}

// restart is one recovery attempt. The caller sends an ICE restart offer; the
// callee waits for it.
func (a *attempt) restart(ctx context.Context, n int) error {
	if !a.c.advance(a, domain.StateReconnecting) && a.c.State() != domain.StateReconnecting {
		return ErrSessionEnded
	}
	a.armWatchdog()

	if a.role != domain.RoleCaller {
		a.logger.Info().Int("attempt", n).Msg("waiting for caller to restart ICE")
		return nil
	}
	pcm := a.peerConnection()
	offer, err := pcm.RestartNegotiation(ctx)
	if err != nil {
		return fmt.Errorf("restart negotiation: %w", err)
	}
	msg := domain.NewDescriptionSignal(a.sid, a.self, a.peer, offer)
	if err := a.c.deps.Signal.Send(ctx, msg); err != nil {
		return &domain.SignalingDeliveryError{Type: msg.Type, Attempts: 1, Err: err}
	}
	a.logger.Info().Int("attempt", n).Msg("restart offer sent")
	return nil
}

func (a *attempt) exhausted(attempts int, reason domain.ReasonCode) {
	// Runs on the monitor loop, which teardown stops and waits for.
	go a.c.fail(a, attempts, reason)
}

func (a *attempt) sample(s domain.QualitySample) {
	a.c.events.emit(Event{Kind: EventQuality, Quality: &s})
}

// armWatchdog bounds the time spent in Reconnecting. On expiry the session
// returns to Connected if ICE recovered on its own, otherwise the monitor is
// told the connection failed, which spends another attempt.
func (a *attempt) armWatchdog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return
	}
	if a.watchdog != nil {
		a.watchdog.Stop()
	}
	a.watchdog = time.AfterFunc(a.c.cfg.HandshakeTimeout, a.reconnectTimeout)
}

func (a *attempt) stopWatchdog() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}

func (a *attempt) reconnectTimeout() {
	if a.ctx.Err() != nil || a.c.State() != domain.StateReconnecting {
		return
	}
	if a.peerConnection().State() == domain.ConnectionStateConnected {
		a.c.advance(a, domain.StateConnected)
		return
	}
	a.logger.Warn().Dur("after", a.c.cfg.HandshakeTimeout).Msg("still reconnecting")
	a.notifyFailed()
}

func (a *attempt) tier() domain.QualityTier {
	a.mu.Lock()
	mon := a.mon
	a.mu.Unlock()
	if mon == nil {
		return domain.QualityUnknown
	}
	return mon.Tier()
}

func (a *attempt) latest() (domain.QualitySample, bool) {
	a.mu.Lock()
	mon := a.mon
	a.mu.Unlock()
	if mon == nil {
		return domain.QualitySample{}, false
	}
	return mon.Latest()
}

// release stops everything the attempt owns. Each step runs even if an
// earlier one failed.
func (a *attempt) release() error {
	a.cancel()
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return nil
	}
	a.released = true
	pcm, mon, wd := a.pcm, a.mon, a.watchdog
	a.watchdog = nil
	a.mu.Unlock()

	if wd != nil {
		wd.Stop()
	}
	if mon != nil {
		mon.Stop()
	}
	var errs []error
	if err := a.msgr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close data channel: %w", err))
	}
	if pcm != nil {
		if err := pcm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if err := a.media.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release media: %w", err))
	}
	return errors.Join(errs...)
}
