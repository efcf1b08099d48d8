package devices

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const captureMTU = 1200

// captureError maps a driver failure onto the domain sentinels. Drivers
// report these as plain OS errors or as text, so both are checked.
func captureError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrPermissionDenied) || errors.Is(err, domain.ErrNoDevice) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EBUSY),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "device or resource busy"):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO),
		strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "no such device"),
		strings.Contains(msg, "not found"):
		return fmt.Errorf("%w: %v", domain.ErrNoDevice, err)
	}
	return err
}

// hasDevice reports whether any enumerated device is of kind.
func hasDevice(infos []mediadevices.MediaDeviceInfo, kind mediadevices.MediaDeviceType) bool {
	for _, d := range infos {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// rtpBatchReader is the part of mediadevices.RTPReadCloser the pump needs.
type rtpBatchReader interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

// captureSource adapts a mediadevices track to core.MediaSource. The
// reader hands out packets in batches; they are replayed one at a time.
type captureSource struct {
	kind   domain.TrackKind
	codec  webrtc.RTPCodecCapability
	track  interface{ Close() error }
	reader rtpBatchReader

	pending []*rtp.Packet

	ended     chan struct{}
	endOnce   sync.Once
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newCaptureSource(kind domain.TrackKind, codec webrtc.RTPCodecCapability, track interface{ Close() error }, reader rtpBatchReader) *captureSource {
	return &captureSource{
		kind:   kind,
		codec:  codec,
		track:  track,
		reader: reader,
		ended:  make(chan struct{}),
	}
}

func (s *captureSource) Kind() domain.TrackKind            { return s.kind }
func (s *captureSource) Codec() webrtc.RTPCodecCapability { return s.codec }
func (s *captureSource) Done() <-chan struct{}            { return s.ended }

func (s *captureSource) ReadRTP() (*rtp.Packet, error) {
	for len(s.pending) == 0 {
		pkts, release, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) && !s.closing.Load() {
				s.end()
			}
			return nil, err
		}
		// The reader reuses its buffers after release.
		for _, p := range pkts {
			s.pending = append(s.pending, p.Clone())
		}
		if release != nil {
			release()
		}
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, nil
}

func (s *captureSource) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *captureSource) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.closeErr = errors.Join(s.reader.Close(), s.track.Close())
	})
	return s.closeErr
}
