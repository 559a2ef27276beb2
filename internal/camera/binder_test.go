package camera

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinder_BindAndUnbind(t *testing.T) {
	ctx := context.Background()
	layer := NewMockDeviceLayer()
	binder := NewBinder(layer, nil)

	session, err := binder.Bind(ctx, FacingBack, Rotation0, Size{Width: 1080, Height: 1920})
	require.NoError(t, err)

	if session.ID == "" {
		t.Error("Expected session ID to be set")
	}
	assert.Equal(t, FacingBack, session.Facing)
	assert.Equal(t, Ratio16x9, session.Ratio)
	assert.NotNil(t, session.Preview)
	assert.NotNil(t, session.Still)
	assert.NotNil(t, session.Video)
	assert.Same(t, session, binder.Active())

	require.NoError(t, binder.Unbind())
	assert.Nil(t, binder.Active())
	assert.Equal(t, 1, layer.Closes(FacingBack))

	// 二重解放は何もしない
	require.NoError(t, binder.Unbind())
	assert.Equal(t, 1, layer.Closes(FacingBack))
}

func TestBinder_DoubleBindIsBalanced(t *testing.T) {
	ctx := context.Background()
	layer := NewMockDeviceLayer()
	binder := NewBinder(layer, nil)
	viewport := Size{Width: 1200, Height: 1600}

	_, err := binder.Bind(ctx, FacingBack, Rotation0, viewport)
	require.NoError(t, err)
	_, err = binder.Bind(ctx, FacingBack, Rotation0, viewport)
	require.NoError(t, err)

	// 2回目のバインドは1回目を解放してから開く
	assert.Equal(t, 2, layer.Opens(FacingBack))
	assert.Equal(t, 1, layer.Closes(FacingBack))
	assert.Equal(t, 1, layer.OpenCount())
	assert.Equal(t, []string{"open:back", "close:back", "open:back"}, layer.Events())

	require.NoError(t, binder.Unbind())
	assert.Equal(t, layer.Opens(FacingBack), layer.Closes(FacingBack))
}

func TestBinder_DeviceUnavailable(t *testing.T) {
	ctx := context.Background()
	layer := NewMockDeviceLayer()
	binder := NewBinder(layer, nil)
	viewport := Size{Width: 1080, Height: 1920}

	_, err := binder.Bind(ctx, FacingBack, Rotation0, viewport)
	require.NoError(t, err)

	layer.SetUnavailable(FacingFront, true)
	_, err = binder.Bind(ctx, FacingFront, Rotation0, viewport)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))

	// 別のセンサーへフォールバックせず、未バインドのまま
	assert.Nil(t, binder.Active())
	assert.Equal(t, 1, layer.Opens(FacingBack))
	assert.Equal(t, 0, layer.Opens(FacingFront))
	assert.Equal(t, 0, layer.OpenCount())
}

func TestBinder_PipelineConflictClosesDevice(t *testing.T) {
	ctx := context.Background()
	layer := NewMockDeviceLayer()
	layer.SetShouldFailConfigure(true)
	binder := NewBinder(layer, nil)

	_, err := binder.Bind(ctx, FacingBack, Rotation0, Size{Width: 640, Height: 480})
	assert.True(t, errors.Is(err, ErrPipelineConflict))
	assert.Nil(t, binder.Active())
	assert.Equal(t, 1, layer.Opens(FacingBack))
	assert.Equal(t, 1, layer.Closes(FacingBack))
}

func TestBinder_InvalidViewport(t *testing.T) {
	layer := NewMockDeviceLayer()
	binder := NewBinder(layer, nil)

	_, err := binder.Bind(context.Background(), FacingBack, Rotation0, Size{Width: 0, Height: 480})
	assert.True(t, errors.Is(err, ErrInvalidViewport))
	assert.Equal(t, 0, layer.Opens(FacingBack))
}
