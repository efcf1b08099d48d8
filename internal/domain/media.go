package domain

type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

type SourceMode string

const (
	SourceCamera SourceMode = "camera"
	SourceScreen SourceMode = "screen"
)

// MediaTrackState describes one local outgoing track. SourceMode is only set
// for video.
type MediaTrackState struct {
	Kind       TrackKind  `json:"kind"`
	Enabled    bool       `json:"enabled"`
	SourceMode SourceMode `json:"source_mode,omitempty"`
}

type MediaConstraints struct {
	Video     bool `json:"video" mapstructure:"video"`
	Audio     bool `json:"audio" mapstructure:"audio"`
	Width     int  `json:"width,omitempty" mapstructure:"width"`
	Height    int  `json:"height,omitempty" mapstructure:"height"`
	FrameRate int  `json:"frame_rate,omitempty" mapstructure:"frame_rate"`
}

func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{Video: true, Audio: true, Width: 640, Height: 480, FrameRate: 30}
}
