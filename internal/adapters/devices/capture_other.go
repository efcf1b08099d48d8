//go:build !linux

package devices

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Televisit/internal/core"
)

// NewCapture falls back to synthetic sources where no capture drivers are
// built in.
func NewCapture() (core.DeviceProvider, error) {
	log.Warn().Str("module", "devices").Msg("no capture drivers on this platform, using synthetic sources")
	return &Synthetic{}, nil
}
