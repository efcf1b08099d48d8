package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Televisit/internal/adapters/devices"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAcquired(t *testing.T, dev *devices.Synthetic) *Controller {
	t.Helper()
	c := NewController(dev)
	t.Cleanup(func() { _ = c.Release() })
	tracks, err := c.AcquireLocalMedia(context.Background(), domain.DefaultMediaConstraints())
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	return c
}

func TestToggleVideoParity(t *testing.T) {
	c := newAcquired(t, &devices.Synthetic{})
	initial, _ := c.Flags()
	require.True(t, initial)

	for n := 1; n <= 7; n++ {
		enabled, err := c.ToggleVideo()
		require.NoError(t, err)
		assert.Equal(t, initial != (n%2 == 1), enabled, "after %d toggles", n)
	}
}

func TestToggleEmitsFlags(t *testing.T) {
	c := newAcquired(t, &devices.Synthetic{})

	var got [][2]bool
	c.OnToggle(func(v, a bool) { got = append(got, [2]bool{v, a}) })

	_, err := c.ToggleAudio()
	require.NoError(t, err)
	_, err = c.ToggleVideo()
	require.NoError(t, err)
	_, err = c.ToggleAudio()
	require.NoError(t, err)

	assert.Equal(t, [][2]bool{{true, false}, {false, false}, {false, true}}, got)
}

func TestToggleBeforeAcquire(t *testing.T) {
	c := NewController(&devices.Synthetic{})
	_, err := c.ToggleVideo()
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestAcquireDeviceErrors(t *testing.T) {
	t.Run("camera denied", func(t *testing.T) {
		dev := &devices.Synthetic{DenyCamera: true}
		c := NewController(dev)
		_, err := c.AcquireLocalMedia(context.Background(), domain.DefaultMediaConstraints())

		var dae *domain.DeviceAccessError
		require.ErrorAs(t, err, &dae)
		assert.Equal(t, domain.TrackVideo, dae.Device)
		assert.ErrorIs(t, err, domain.ErrPermissionDenied)
		assert.Contains(t, err.Error(), "allow video access")
	})

	t.Run("no microphone releases camera", func(t *testing.T) {
		dev := &devices.Synthetic{NoMicrophone: true}
		c := NewController(dev)
		_, err := c.AcquireLocalMedia(context.Background(), domain.DefaultMediaConstraints())

		assert.ErrorIs(t, err, domain.ErrNoDevice)
		assert.Equal(t, 0, dev.OpenSources())
		assert.Equal(t, 0, c.ActiveProducers())
	})

	t.Run("cancelled context is not a device error", func(t *testing.T) {
		dev := &devices.Synthetic{OpenDelay: time.Second}
		c := NewController(dev)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := c.AcquireLocalMedia(ctx, domain.DefaultMediaConstraints())

		var dae *domain.DeviceAccessError
		assert.False(t, errors.As(err, &dae))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestStopScreenShareWithoutShareIsNoop(t *testing.T) {
	c := newAcquired(t, &devices.Synthetic{})
	before := c.TrackStates()

	require.NoError(t, c.StopScreenShare())
	assert.Equal(t, before, c.TrackStates())
	assert.False(t, c.Sharing())
}

func TestScreenShareSwapsProducer(t *testing.T) {
	dev := &devices.Synthetic{}
	c := newAcquired(t, dev)

	require.NoError(t, c.StartScreenShare(context.Background()))
	require.NoError(t, c.StartScreenShare(context.Background()), "second start is a no-op")
	require.Len(t, dev.Screens(), 1)
	assert.Equal(t, domain.SourceScreen, c.TrackStates()[0].SourceMode)
	assert.Equal(t, 3, c.ActiveProducers())

	require.NoError(t, c.StopScreenShare())
	assert.Equal(t, domain.SourceCamera, c.TrackStates()[0].SourceMode)
	assert.True(t, dev.Screens()[0].Closed())
	assert.Equal(t, 2, c.ActiveProducers())
}

func TestScreenShareEndedBySystem(t *testing.T) {
	dev := &devices.Synthetic{}
	c := newAcquired(t, dev)
	require.NoError(t, c.StartScreenShare(context.Background()))

	dev.Screens()[0].End()

	require.Eventually(t, func() bool { return !c.Sharing() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SourceCamera, c.TrackStates()[0].SourceMode)
}

func TestScreenShareDenied(t *testing.T) {
	c := newAcquired(t, &devices.Synthetic{DenyScreen: true})

	err := c.StartScreenShare(context.Background())
	var dae *domain.DeviceAccessError
	require.ErrorAs(t, err, &dae)
	assert.True(t, dae.Screen)
	assert.False(t, c.Sharing())
}

func TestReleaseStopsEverything(t *testing.T) {
	dev := &devices.Synthetic{}
	c := newAcquired(t, dev)
	require.NoError(t, c.StartScreenShare(context.Background()))

	require.NoError(t, c.Release())
	require.NoError(t, c.Release())

	assert.Equal(t, 0, c.ActiveProducers())
	assert.Equal(t, 0, dev.OpenSources())
	_, err := c.ToggleVideo()
	assert.ErrorIs(t, err, ErrReleased)
}
