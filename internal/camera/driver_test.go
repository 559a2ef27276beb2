package camera

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceLayerFactory(t *testing.T) {
	ctx := context.Background()
	factory := NewDeviceLayerFactory()

	assert.Equal(t, []DriverType{DriverMock, DriverV4L2}, factory.SupportedDrivers())

	layer, err := factory.Create(ctx, DriverMock, LayerConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MockDeviceLayer{}, layer)

	_, err = factory.Create(ctx, DriverType("unknown"), LayerConfig{})
	assert.Error(t, err)
}

func TestDeviceLayerFactory_Register(t *testing.T) {
	factory := NewDeviceLayerFactory()
	called := false
	factory.Register(DriverMediaDevices, func(context.Context, LayerConfig) (DeviceLayer, error) {
		called = true
		return NewMockDeviceLayer(), nil
	})

	_, err := factory.Create(context.Background(), DriverMediaDevices, LayerConfig{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Contains(t, factory.SupportedDrivers(), DriverMediaDevices)
}

func TestNewV4L2LayerFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("検出されたデバイスを割り当てる", func(t *testing.T) {
		discovery := NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})
		layer, err := NewV4L2LayerFromConfig(ctx, LayerConfig{Discovery: discovery})
		require.NoError(t, err)

		v4l2, ok := layer.(*V4L2Layer)
		require.True(t, ok)
		assert.Equal(t, "/dev/video0", v4l2.config.Devices[FacingBack])
		assert.Equal(t, "/dev/video2", v4l2.config.Devices[FacingFront])
	})

	t.Run("デバイスがない場合はエラー", func(t *testing.T) {
		_, err := NewV4L2LayerFromConfig(ctx, LayerConfig{Discovery: NewMockDiscovery(nil)})
		assert.Error(t, err)
	})
}
