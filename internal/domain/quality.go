package domain

import "time"

type QualityTier string

const (
	QualityUnknown   QualityTier = ""
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityFair      QualityTier = "fair"
	QualityPoor      QualityTier = "poor"
)

// rank orders tiers from best (0) to worst (3).
func (t QualityTier) rank() int {
	switch t {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	case QualityPoor:
		return 3
	default:
		return -1
	}
}

var tiersByRank = []QualityTier{QualityExcellent, QualityGood, QualityFair, QualityPoor}

// ClassifyLoss maps a packet loss ratio (0..1) to a tier.
func ClassifyLoss(ratio float64) QualityTier {
	switch {
	case ratio < 0.02:
		return QualityExcellent
	case ratio < 0.05:
		return QualityGood
	case ratio < 0.10:
		return QualityFair
	default:
		return QualityPoor
	}
}

// QualitySample holds packet counters for one sampling interval.
type QualitySample struct {
	Timestamp       time.Time   `json:"timestamp"`
	PacketsLost     int64       `json:"packets_lost"`
	PacketsReceived int64       `json:"packets_received"`
	FramesDecoded   *uint32     `json:"frames_decoded,omitempty"`
	QualityTier     QualityTier `json:"quality_tier"`
}

// LossRatio is lost/(lost+received); zero when nothing was expected.
func (s QualitySample) LossRatio() float64 {
	total := s.PacketsLost + s.PacketsReceived
	if total <= 0 || s.PacketsLost <= 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(total)
}

// SmoothTier averages tier ranks over a window, rounding toward the worse tier.
func SmoothTier(window []QualitySample) QualityTier {
	sum, n := 0, 0
	for _, s := range window {
		if r := s.QualityTier.rank(); r >= 0 {
			sum += r
			n++
		}
	}
	if n == 0 {
		return QualityUnknown
	}
	return tiersByRank[(sum+n-1)/n]
}
