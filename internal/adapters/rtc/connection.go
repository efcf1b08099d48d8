package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrWrongRole     = errors.New("operation not allowed for this role")
	ErrClosed        = errors.New("peer connection closed")
	ErrUnexpectedSDP = errors.New("unexpected session description type")
	ErrNotStable     = errors.New("negotiation already in progress")
)

// PeerConnectionManager owns the single peer connection of a session: the
// offer/answer exchange, trickle ICE in both directions and the buffering of
// remote candidates that arrive before the remote description.
type PeerConnectionManager struct {
	pc     *webrtc.PeerConnection
	sid    domain.SessionID
	role   domain.Role
	logger zerolog.Logger

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	closed    bool
	state     domain.ConnectionState

	onICE         func(webrtc.ICECandidateInit)
	onState       func(domain.ConnectionState)
	onTrack       func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onDataChannel func(*webrtc.DataChannel)
}

func NewPeerConnectionManager(api *webrtc.API, cfg webrtc.Configuration, sid domain.SessionID, role domain.Role) (*PeerConnectionManager, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	m := &PeerConnectionManager{
		pc:   pc,
		sid:  sid,
		role: role,
		logger: log.With().
			Str("module", "rtc").
			Str("sid", string(sid)).
			Str("role", string(role)).
			Logger(),
		state: domain.ConnectionStateNew,
	}
	m.bind()
	return m, nil
}

func (m *PeerConnectionManager) bind() {
	m.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		cs := connectionState(s)
		m.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		m.mu.Lock()
		if m.state == cs {
			m.mu.Unlock()
			return
		}
		m.state = cs
		fn := m.onState
		m.mu.Unlock()
		if fn != nil {
			fn(cs)
		}
	})

	m.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			m.logger.Debug().Msg("ICE gathering complete")
			return
		}
		m.mu.Lock()
		fn, closed := m.onICE, m.closed
		m.mu.Unlock()
		if fn != nil && !closed {
			fn(cand.ToJSON())
		}
	})

	m.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		m.mu.Lock()
		fn := m.onTrack
		m.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	m.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.logger.Info().Str("label", dc.Label()).Msg("remote data channel")
		m.mu.Lock()
		fn := m.onDataChannel
		m.mu.Unlock()
		if fn != nil {
			fn(dc)
		}
	})
}

func connectionState(s webrtc.ICEConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return domain.ConnectionStateChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.ConnectionStateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.ConnectionStateFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

// OnLocalCandidate sets the callback for newly gathered local candidates.
func (m *PeerConnectionManager) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

// OnStateChange sets the callback for connection state transitions.
func (m *PeerConnectionManager) OnStateChange(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (m *PeerConnectionManager) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

// OnDataChannel sets the callback for channels opened by the remote side.
func (m *PeerConnectionManager) OnDataChannel(fn func(*webrtc.DataChannel)) {
	m.mu.Lock()
	m.onDataChannel = fn
	m.mu.Unlock()
}

func (m *PeerConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddTrack attaches a local track and drains RTCP for its sender so the
// interceptors keep working.
func (m *PeerConnectionManager) AddTrack(track webrtc.TrackLocal) error {
	if err := m.guard(context.Background()); err != nil {
		return err
	}
	sender, err := m.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// CreateDataChannel opens the reliable, ordered side channel. Caller only;
// the callee receives it through OnDataChannel.
func (m *PeerConnectionManager) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	if m.role != domain.RoleCaller {
		return nil, ErrWrongRole
	}
	if err := m.guard(context.Background()); err != nil {
		return nil, err
	}
	ordered := true
	return m.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
}

// CreateOffer produces and applies the local offer. Local candidates are
// trickled through OnLocalCandidate as they are discovered.
func (m *PeerConnectionManager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if m.role != domain.RoleCaller {
		return webrtc.SessionDescription{}, ErrWrongRole
	}
	return m.createOffer(ctx, nil)
}

// RestartNegotiation starts a fresh ICE gathering cycle and returns the
// restart offer. Existing tracks and the data channel are kept.
func (m *PeerConnectionManager) RestartNegotiation(ctx context.Context) (webrtc.SessionDescription, error) {
	if m.role != domain.RoleCaller {
		return webrtc.SessionDescription{}, ErrWrongRole
	}
	if m.pc.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrNotStable
	}
	m.logger.Info().Msg("ICE restart")
	return m.createOffer(ctx, &webrtc.OfferOptions{ICERestart: true})
}

func (m *PeerConnectionManager) createOffer(ctx context.Context, opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if err := m.guard(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := m.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := m.guard(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer applies a remote offer and answers it. The first offer is only
// accepted by the callee; restart offers on an established connection are
// accepted by either side.
func (m *PeerConnectionManager) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrUnexpectedSDP, offer.Type)
	}
	m.mu.Lock()
	initial := !m.remoteSet
	m.mu.Unlock()
	if initial && m.role != domain.RoleCallee {
		return webrtc.SessionDescription{}, ErrWrongRole
	}
	if err := m.setRemote(ctx, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := m.guard(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := m.guard(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// ApplyAnswer applies the remote answer to our offer.
func (m *PeerConnectionManager) ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: %s", ErrUnexpectedSDP, answer.Type)
	}
	return m.setRemote(ctx, answer)
}

func (m *PeerConnectionManager) setRemote(ctx context.Context, desc webrtc.SessionDescription) error {
	if err := m.guard(ctx); err != nil {
		return err
	}
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	m.mu.Lock()
	m.remoteSet = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(pending) > 0 {
		m.logger.Debug().Int("count", len(pending)).Msg("flushing buffered candidates")
	}
	for _, c := range pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("buffered candidate rejected")
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, or buffers it until the
// remote description is set.
func (m *PeerConnectionManager) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.pc.AddICECandidate(c)
}

// Pending reports how many remote candidates are buffered.
func (m *PeerConnectionManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stats returns cumulative inbound packet counters over all remote streams.
func (m *PeerConnectionManager) Stats() (domain.QualitySample, error) {
	if err := m.guard(context.Background()); err != nil {
		return domain.QualitySample{}, err
	}
	s := domain.QualitySample{Timestamp: time.Now().UTC()}
	var frames uint32
	video := false
	add := func(in webrtc.InboundRTPStreamStats) {
		s.PacketsLost += int64(in.PacketsLost)
		s.PacketsReceived += int64(in.PacketsReceived)
		if in.Kind == string(domain.TrackVideo) {
			video = true
			frames += uint32(in.FramesDecoded)
		}
	}
	for _, st := range m.pc.GetStats() {
		switch v := st.(type) {
		case webrtc.InboundRTPStreamStats:
			add(v)
		case *webrtc.InboundRTPStreamStats:
			add(*v)
		}
	}
	if video {
		s.FramesDecoded = &frames
	}
	return s, nil
}

func (m *PeerConnectionManager) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close is idempotent; later operations fail with ErrClosed.
func (m *PeerConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pending = nil
	m.mu.Unlock()

	if err := m.pc.Close(); err != nil {
		m.logger.Error().Err(err).Msg("close error")
		return err
	}
	m.logger.Info().Msg("closed")
	return nil
}
