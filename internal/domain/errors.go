package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no device")
)

// DeviceAccessError is returned when local capture cannot start. It is never
// retried automatically; the user has to grant access or pick another device.
type DeviceAccessError struct {
	Device TrackKind
	Screen bool
	Err    error
}

func (e *DeviceAccessError) Error() string {
	dev := string(e.Device)
	if e.Screen {
		dev = "screen"
	}
	switch {
	case errors.Is(e.Err, ErrPermissionDenied):
		return fmt.Sprintf("%s access denied: allow %s access and try again", dev, dev)
	case errors.Is(e.Err, ErrNoDevice):
		return fmt.Sprintf("no %s device found: connect or select a %s device", dev, dev)
	default:
		return fmt.Sprintf("%s unavailable: %v", dev, e.Err)
	}
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

// SignalingDeliveryError wraps a failed relay send.
type SignalingDeliveryError struct {
	Type     SignalType
	Attempts int
	Err      error
}

func (e *SignalingDeliveryError) Error() string {
	return fmt.Sprintf("signal %s not delivered after %d attempt(s): %v", e.Type, e.Attempts, e.Err)
}

func (e *SignalingDeliveryError) Unwrap() error { return e.Err }

// NegotiationTimeoutError reports a bounded wait that expired. Stage is
// "device_acquisition" or "handshake".
type NegotiationTimeoutError struct {
	Stage string
	After time.Duration
}

func (e *NegotiationTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Stage, e.After)
}

const (
	StageDeviceAcquisition = "device_acquisition"
	StageHandshake         = "handshake"
)

// NegotiationFailedError reports a handshake that ended without ever
// connecting. Like a timeout it is terminal for that attempt only.
type NegotiationFailedError struct {
	Stage  string
	Reason ReasonCode
	Err    error
}

func (e *NegotiationFailedError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *NegotiationFailedError) Unwrap() error { return e.Err }

// ConnectionFailedError is raised once the recovery budget is spent.
type ConnectionFailedError struct {
	Reason   ReasonCode
	Attempts int
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection lost (%s) after %d recovery attempt(s)", e.Reason, e.Attempts)
}
