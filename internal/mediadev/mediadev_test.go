package mediadev

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shashin/internal/camera"
)

func TestNewLayer(t *testing.T) {
	layer, err := newLayer(camera.LayerConfig{}, func() []string { return []string{"cam-a", "cam-b"} })
	require.NoError(t, err)

	assert.Equal(t, "cam-a", layer.devices[camera.FacingBack])
	assert.Equal(t, "cam-b", layer.devices[camera.FacingFront])
	assert.Equal(t, 15, layer.fps)

	_, err = newLayer(camera.LayerConfig{}, func() []string { return nil })
	assert.Error(t, err)
}

func TestLayer_Open(t *testing.T) {
	ids := []string{"cam-a"}
	layer, err := newLayer(camera.LayerConfig{}, func() []string { return ids })
	require.NoError(t, err)

	ctx := context.Background()

	// 前面カメラは割り当てられていない
	_, err = layer.Open(ctx, camera.FacingFront)
	assert.Error(t, err)

	device, err := layer.Open(ctx, camera.FacingBack)
	require.NoError(t, err)

	// 使用中
	_, err = layer.Open(ctx, camera.FacingBack)
	assert.Error(t, err)

	// 取り外されたデバイスは失効扱い
	assert.False(t, device.Revoked())
	ids = nil
	assert.True(t, device.Revoked())

	require.NoError(t, device.Close())

	_, err = layer.Open(ctx, camera.FacingBack)
	assert.Error(t, err, "取り外されたデバイスは開けない")

	ids = []string{"cam-a"}
	device, err = layer.Open(ctx, camera.FacingBack)
	require.NoError(t, err)
	_ = device.Close()
}

func TestRotate(t *testing.T) {
	// 4x2の画像の左上だけ白くする
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	img.SetGray(0, 0, color.Gray{Y: 255})

	white := color.RGBAModel.Convert(color.Gray{Y: 255})

	testCases := []struct {
		name     string
		rotation camera.Rotation
		bounds   image.Rectangle
		x, y     int
	}{
		{"90度", camera.Rotation90, image.Rect(0, 0, 2, 4), 1, 0},
		{"180度", camera.Rotation180, image.Rect(0, 0, 4, 2), 3, 1},
		{"270度", camera.Rotation270, image.Rect(0, 0, 2, 4), 0, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := rotate(img, tc.rotation)
			assert.Equal(t, tc.bounds, out.Bounds())
			assert.Equal(t, white, color.RGBAModel.Convert(out.At(tc.x, tc.y)))
		})
	}

	assert.Same(t, img, rotate(img, camera.Rotation0).(*image.Gray))
}

func TestEncodeFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))

	frame, err := encodeFrame(img, camera.Rotation90)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 16), decoded.Bounds())
}
