// Package devices provides capture sources: the local camera and microphone
// where drivers are built in, and paced RTP test streams for headless peers
// and tests.
package devices

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/core"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	VP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	Opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

const (
	DefaultVideoInterval = 33 * time.Millisecond
	DefaultAudioInterval = 20 * time.Millisecond
	payloadSize          = 160
)

// Synthetic is a DeviceProvider whose failures are switched on by fields.
type Synthetic struct {
	DenyCamera     bool
	DenyMicrophone bool
	DenyScreen     bool
	NoCamera       bool
	NoMicrophone   bool
	// OpenDelay simulates a slow permission prompt.
	OpenDelay time.Duration

	VideoInterval time.Duration
	AudioInterval time.Duration

	mu     sync.Mutex
	opened []*Source
}

var _ core.DeviceProvider = (*Synthetic)(nil)

func (s *Synthetic) OpenCamera(ctx context.Context, c domain.MediaConstraints) (core.MediaSource, error) {
	if err := s.gate(ctx, s.DenyCamera, s.NoCamera); err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	interval := s.VideoInterval
	if interval == 0 {
		interval = DefaultVideoInterval
		if c.FrameRate > 0 {
			interval = time.Second / time.Duration(c.FrameRate)
		}
	}
	return s.track(NewSource(domain.TrackVideo, VP8, interval, false)), nil
}

func (s *Synthetic) OpenMicrophone(ctx context.Context, _ domain.MediaConstraints) (core.MediaSource, error) {
	if err := s.gate(ctx, s.DenyMicrophone, s.NoMicrophone); err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	interval := s.AudioInterval
	if interval == 0 {
		interval = DefaultAudioInterval
	}
	return s.track(NewSource(domain.TrackAudio, Opus, interval, false)), nil
}

func (s *Synthetic) OpenScreen(ctx context.Context) (core.MediaSource, error) {
	if err := s.gate(ctx, s.DenyScreen, false); err != nil {
		return nil, fmt.Errorf("screen: %w", err)
	}
	interval := s.VideoInterval
	if interval == 0 {
		interval = DefaultVideoInterval
	}
	return s.track(NewSource(domain.TrackVideo, VP8, interval, true)), nil
}

func (s *Synthetic) gate(ctx context.Context, deny, missing bool) error {
	if s.OpenDelay > 0 {
		t := time.NewTimer(s.OpenDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	switch {
	case deny:
		return domain.ErrPermissionDenied
	case missing:
		return domain.ErrNoDevice
	}
	return ctx.Err()
}

func (s *Synthetic) track(src *Source) *Source {
	s.mu.Lock()
	s.opened = append(s.opened, src)
	s.mu.Unlock()
	return src
}

// Screens returns the screen sources opened so far, oldest first.
func (s *Synthetic) Screens() []*Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Source
	for _, src := range s.opened {
		if src.screen {
			out = append(out, src)
		}
	}
	return out
}

// OpenSources counts sources that have not been closed.
func (s *Synthetic) OpenSources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, src := range s.opened {
		if !src.Closed() {
			n++
		}
	}
	return n
}

// Source emits a paced stream of RTP packets with a fixed dummy payload.
type Source struct {
	kind     domain.TrackKind
	codec    webrtc.RTPCodecCapability
	screen   bool
	ssrc     uint32
	interval time.Duration
	tsStep   uint32

	ticker *time.Ticker
	seq    uint16
	ts     uint32

	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func newSSRC() uint32 {
	id := uuid.New()
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}

func NewSource(kind domain.TrackKind, codec webrtc.RTPCodecCapability, interval time.Duration, screen bool) *Source {
	return &Source{
		kind:     kind,
		codec:    codec,
		screen:   screen,
		ssrc:     newSSRC(),
		interval: interval,
		tsStep:   uint32(time.Duration(codec.ClockRate) * interval / time.Second),
		ticker:   time.NewTicker(interval),
		ended:    make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (s *Source) Kind() domain.TrackKind            { return s.kind }
func (s *Source) Codec() webrtc.RTPCodecCapability { return s.codec }
func (s *Source) Done() <-chan struct{}            { return s.ended }

func (s *Source) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-s.ticker.C:
	}
	s.seq++
	s.ts += s.tsStep
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.kind == domain.TrackVideo,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: make([]byte, payloadSize),
	}, nil
}

// End simulates the system ending the capture (user clicked "stop sharing"
// in the OS prompt, device unplugged).
func (s *Source) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}

func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
