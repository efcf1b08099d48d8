package media

import (
	"sync/atomic"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack is one local outgoing track. Producers come and go; the track and
// its RTP sender stay negotiated for the whole session.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	kind  domain.TrackKind
	state atomic.Int32 // Zero by default (TrackStateOk)
	seq   atomic.Uint32
}

func NewOutTrack(kind domain.TrackKind, codec webrtc.RTPCodecCapability, streamID string) (*OutTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	return &OutTrack{Track: track, kind: kind}, nil
}

func (ot *OutTrack) Kind() domain.TrackKind { return ot.kind }

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) Enabled() bool { return ot.GetState() == TrackStateOk }

func (ot *OutTrack) MarkOk() {
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.Store(int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// write rewrites the sequence number so the stream stays monotonic when the
// producer behind the track changes.
func (ot *OutTrack) write(pkt *rtp.Packet) error {
	pkt.SequenceNumber = uint16(ot.seq.Add(1))
	return ot.Track.WriteRTP(pkt)
}
