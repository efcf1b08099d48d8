//go:build linux

package devices

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Televisit/internal/core"
	"github.com/dkeye/Televisit/internal/domain"
)

// Capture opens the local camera (V4L2) and microphone (malgo) and encodes
// them to VP8 and Opus.
type Capture struct {
	selector *mediadevices.CodecSelector
}

var _ core.DeviceProvider = (*Capture)(nil)

func NewCapture() (core.DeviceProvider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_500_000
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "devices").Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}
	return &Capture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *Capture) OpenCamera(ctx context.Context, mc domain.MediaConstraints) (core.MediaSource, error) {
	if !hasDevice(mediadevices.EnumerateDevices(), mediadevices.VideoInput) {
		return nil, fmt.Errorf("camera: %w", domain.ErrNoDevice)
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(t *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			t.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if mc.Width > 0 {
				t.Width = prop.IntRanged{Max: mc.Width}
			}
			if mc.Height > 0 {
				t.Height = prop.IntRanged{Max: mc.Height}
			}
			if mc.FrameRate > 0 {
				t.FrameRate = prop.Float(float32(mc.FrameRate))
			}
		},
	}
	src, err := c.open(ctx, constraints, domain.TrackVideo, VP8)
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	return src, nil
}

func (c *Capture) OpenMicrophone(ctx context.Context, _ domain.MediaConstraints) (core.MediaSource, error) {
	if !hasDevice(mediadevices.EnumerateDevices(), mediadevices.AudioInput) {
		return nil, fmt.Errorf("microphone: %w", domain.ErrNoDevice)
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	src, err := c.open(ctx, constraints, domain.TrackAudio, Opus)
	if err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	return src, nil
}

// OpenScreen always fails: no screen driver is built in.
func (c *Capture) OpenScreen(context.Context) (core.MediaSource, error) {
	return nil, fmt.Errorf("screen: %w", domain.ErrNoDevice)
}

type streamResult struct {
	stream mediadevices.MediaStream
	err    error
}

func (c *Capture) open(ctx context.Context, constraints mediadevices.MediaStreamConstraints, kind domain.TrackKind, codec webrtc.RTPCodecCapability) (*captureSource, error) {
	got := make(chan streamResult, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		got <- streamResult{s, err}
	}()

	var res streamResult
	select {
	case <-ctx.Done():
		go func() {
			if r := <-got; r.err == nil {
				closeTracks(r.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	case res = <-got:
	}
	if res.err != nil {
		return nil, captureError(res.err)
	}

	tracks := res.stream.GetTracks()
	if len(tracks) == 0 {
		return nil, domain.ErrNoDevice
	}
	track := tracks[0]
	closeTracks(tracks[1:])

	reader, err := track.NewRTPReader(codec.MimeType, newSSRC(), captureMTU)
	if err != nil {
		_ = track.Close()
		return nil, captureError(err)
	}
	src := newCaptureSource(kind, codec, track, reader)
	track.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Str("module", "devices").Err(err).Str("kind", string(kind)).Msg("capture ended")
		}
		if !src.closing.Load() {
			src.end()
		}
	})
	log.Info().Str("module", "devices").Str("kind", string(kind)).Str("codec", codec.MimeType).Msg("capture started")
	return src, nil
}

func closeTracks(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
