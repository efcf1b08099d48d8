package media

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/dkeye/Televisit/internal/core"
	"github.com/rs/zerolog"
)

// pump forwards RTP packets from one source into an OutTrack while it is the
// track's active producer.
type pump struct {
	src    core.MediaSource
	out    *OutTrack
	active atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func startPump(ctx context.Context, src core.MediaSource, out *OutTrack, active bool, logger *zerolog.Logger) *pump {
	ctx, cancel := context.WithCancel(ctx)
	p := &pump{
		src:    src,
		out:    out,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.active.Store(active)
	go p.loop(ctx, logger)
	return p
}

func (p *pump) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := p.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Str("kind", string(p.src.Kind())).Msg("producer read error, stopping")
			}
			return
		}
		if !p.active.Load() {
			continue
		}
		switch p.out.GetState() {
		case TrackStateDelete:
			return
		case TrackStateMuted:
		case TrackStateOk:
			if err := p.out.write(pkt); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				logger.Debug().Err(err).Str("kind", string(p.src.Kind())).Msg("producer write error")
			}
		}
	}
}

// stop closes the source and waits for the loop to exit.
func (p *pump) stop() error {
	p.cancel()
	err := p.src.Close()
	<-p.done
	return err
}

func (p *pump) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
