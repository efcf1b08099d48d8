package core

import (
	"context"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaSource produces encoded RTP packets for one local track.
type MediaSource interface {
	Kind() domain.TrackKind
	Codec() webrtc.RTPCodecCapability
	// ReadRTP blocks until the next packet; it returns io.EOF once closed.
	ReadRTP() (*rtp.Packet, error)
	// Done is closed when the source ends on its own (device unplugged, the
	// OS stopped a screen capture).
	Done() <-chan struct{}
	Close() error
}

// DeviceProvider opens capture sources. Errors wrap domain.ErrPermissionDenied
// or domain.ErrNoDevice when the cause is known.
type DeviceProvider interface {
	OpenCamera(ctx context.Context, c domain.MediaConstraints) (MediaSource, error)
	OpenMicrophone(ctx context.Context, c domain.MediaConstraints) (MediaSource, error)
	OpenScreen(ctx context.Context) (MediaSource, error)
}
