// Package media owns local capture: the camera and microphone producers, the
// outgoing tracks they feed, and the temporary screen-capture substitution of
// the video producer.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Televisit/internal/core"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotAcquired      = errors.New("local media not acquired")
	ErrAlreadyAcquired  = errors.New("local media already acquired")
	ErrReleased         = errors.New("local media released")
	ErrNoVideoTrack     = errors.New("no local video track")
	ErrNoAudioTrack     = errors.New("no local audio track")
	ErrCodecMismatch    = errors.New("screen source codec does not match video track")
	ErrAcquireCancelled = errors.New("media acquisition cancelled")
)

const streamID = "televisit-local"

// Controller never renegotiates: toggles mute the producer, screen share swaps
// the producer behind the same video track.
type Controller struct {
	devices core.DeviceProvider
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	video      *OutTrack
	audio      *OutTrack
	camera     *pump
	mic        *pump
	screen     *pump
	sourceMode domain.SourceMode
	acquired   bool
	released   bool

	onToggle func(videoEnabled, audioEnabled bool)
}

func NewController(devices core.DeviceProvider) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		devices:    devices,
		logger:     log.With().Str("module", "media").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		sourceMode: domain.SourceCamera,
	}
}

// OnToggle sets the callback fired after every successful toggle with the new
// local flags.
func (c *Controller) OnToggle(fn func(videoEnabled, audioEnabled bool)) {
	c.mu.Lock()
	c.onToggle = fn
	c.mu.Unlock()
}

// AcquireLocalMedia opens the requested devices and returns the tracks to add
// to the peer connection. Either every requested device opens or none stays
// open.
func (c *Controller) AcquireLocalMedia(ctx context.Context, cons domain.MediaConstraints) ([]webrtc.TrackLocal, error) {
	c.mu.Lock()
	switch {
	case c.released:
		c.mu.Unlock()
		return nil, ErrReleased
	case c.acquired:
		c.mu.Unlock()
		return nil, ErrAlreadyAcquired
	}
	c.mu.Unlock()

	var opened []core.MediaSource
	closeOpened := func() {
		for _, s := range opened {
			_ = s.Close()
		}
	}

	var cam, mic core.MediaSource
	if cons.Video {
		src, err := c.devices.OpenCamera(ctx, cons)
		if err != nil {
			return nil, c.deviceError(ctx, domain.TrackVideo, false, err)
		}
		cam = src
		opened = append(opened, src)
	}
	if cons.Audio {
		src, err := c.devices.OpenMicrophone(ctx, cons)
		if err != nil {
			closeOpened()
			return nil, c.deviceError(ctx, domain.TrackAudio, false, err)
		}
		mic = src
		opened = append(opened, src)
	}

	var video, audio *OutTrack
	var tracks []webrtc.TrackLocal
	if cam != nil {
		ot, err := NewOutTrack(domain.TrackVideo, cam.Codec(), streamID)
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("video track: %w", err)
		}
		video = ot
		tracks = append(tracks, ot.Track)
	}
	if mic != nil {
		ot, err := NewOutTrack(domain.TrackAudio, mic.Codec(), streamID)
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("audio track: %w", err)
		}
		audio = ot
		tracks = append(tracks, ot.Track)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		closeOpened()
		return nil, ErrAcquireCancelled
	}
	c.video, c.audio = video, audio
	if cam != nil {
		c.camera = startPump(c.ctx, cam, video, true, &c.logger)
	}
	if mic != nil {
		c.mic = startPump(c.ctx, mic, audio, true, &c.logger)
	}
	c.acquired = true
	c.logger.Info().Bool("video", cam != nil).Bool("audio", mic != nil).Msg("local media acquired")
	return tracks, nil
}

func (c *Controller) deviceError(ctx context.Context, kind domain.TrackKind, screen bool, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("open %s: %w", kind, ctxErr)
	}
	c.logger.Warn().Err(err).Str("kind", string(kind)).Bool("screen", screen).Msg("device access failed")
	return &domain.DeviceAccessError{Device: kind, Screen: screen, Err: err}
}

// ToggleVideo flips the video track's enabled flag and returns the new value.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(domain.TrackVideo)
}

// ToggleAudio flips the audio track's enabled flag and returns the new value.
func (c *Controller) ToggleAudio() (bool, error) {
	return c.toggle(domain.TrackAudio)
}

func (c *Controller) toggle(kind domain.TrackKind) (bool, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return false, ErrReleased
	}
	ot := c.video
	missing := ErrNoVideoTrack
	if kind == domain.TrackAudio {
		ot, missing = c.audio, ErrNoAudioTrack
	}
	if ot == nil {
		c.mu.Unlock()
		if !c.acquired {
			return false, ErrNotAcquired
		}
		return false, missing
	}
	if ot.Enabled() {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
	enabled := ot.Enabled()
	videoOn, audioOn := c.flagsLocked()
	fn := c.onToggle
	c.mu.Unlock()

	c.logger.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
	if fn != nil {
		fn(videoOn, audioOn)
	}
	return enabled, nil
}

// Flags returns the local video and audio enabled flags.
func (c *Controller) Flags() (videoEnabled, audioEnabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagsLocked()
}

func (c *Controller) flagsLocked() (bool, bool) {
	return c.video != nil && c.video.Enabled(), c.audio != nil && c.audio.Enabled()
}

// StartScreenShare replaces the camera producer with a screen-capture source.
// It is a no-op while a share is already active.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.released:
		c.mu.Unlock()
		return ErrReleased
	case !c.acquired:
		c.mu.Unlock()
		return ErrNotAcquired
	case c.video == nil:
		c.mu.Unlock()
		return ErrNoVideoTrack
	case c.screen != nil:
		c.mu.Unlock()
		return nil
	}
	codec := c.video.Track.Codec()
	c.mu.Unlock()

	src, err := c.devices.OpenScreen(ctx)
	if err != nil {
		return c.deviceError(ctx, domain.TrackVideo, true, err)
	}
	if src.Codec().MimeType != codec.MimeType {
		_ = src.Close()
		return fmt.Errorf("%w: %s != %s", ErrCodecMismatch, src.Codec().MimeType, codec.MimeType)
	}

	c.mu.Lock()
	if c.released || c.screen != nil {
		c.mu.Unlock()
		_ = src.Close()
		if c.released {
			return ErrReleased
		}
		return nil
	}
	p := startPump(c.ctx, src, c.video, false, &c.logger)
	if c.camera != nil {
		c.camera.active.Store(false)
	}
	p.active.Store(true)
	c.screen = p
	c.sourceMode = domain.SourceScreen
	c.mu.Unlock()

	// The end-of-share event is subscribed together with the source.
	go func() {
		select {
		case <-src.Done():
			c.logger.Info().Msg("screen share ended by the system")
			c.stopScreen(p)
		case <-p.done:
		}
	}()

	c.logger.Info().Msg("screen share started")
	return nil
}

// StopScreenShare restores the camera producer. It is a no-op when no share
// is active.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	p := c.screen
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return c.stopScreen(p)
}

func (c *Controller) stopScreen(p *pump) error {
	c.mu.Lock()
	if c.screen != p {
		c.mu.Unlock()
		return nil
	}
	p.active.Store(false)
	if c.camera != nil {
		c.camera.active.Store(true)
	}
	c.screen = nil
	c.sourceMode = domain.SourceCamera
	c.mu.Unlock()

	err := p.stop()
	c.logger.Info().Msg("screen share stopped")
	return err
}

// Sharing reports whether the screen is the active video producer.
func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

func (c *Controller) TrackStates() []domain.MediaTrackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.MediaTrackState
	if c.video != nil {
		out = append(out, domain.MediaTrackState{
			Kind:       c.video.Kind(),
			Enabled:    c.video.Enabled(),
			SourceMode: c.sourceMode,
		})
	}
	if c.audio != nil {
		out = append(out, domain.MediaTrackState{Kind: c.audio.Kind(), Enabled: c.audio.Enabled()})
	}
	return out
}

// ActiveProducers counts producer pumps that are still running.
func (c *Controller) ActiveProducers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range []*pump{c.camera, c.mic, c.screen} {
		if p != nil && p.running() {
			n++
		}
	}
	return n
}

// Release stops every producer and closes every source. Safe to call more
// than once and before AcquireLocalMedia.
func (c *Controller) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	pumps := []*pump{c.screen, c.camera, c.mic}
	c.screen, c.camera, c.mic = nil, nil, nil
	for _, ot := range []*OutTrack{c.video, c.audio} {
		if ot != nil {
			ot.MarkDelete()
		}
	}
	c.mu.Unlock()

	c.cancel()
	var errs []error
	for _, p := range pumps {
		if p == nil {
			continue
		}
		if err := p.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info().Msg("local media released")
	return errors.Join(errs...)
}
