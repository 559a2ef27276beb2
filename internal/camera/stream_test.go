package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorJPEG(t *testing.T) {
	// 左半分が白、右半分が黒の画像
	img := image.NewGray(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))

	mirrored, err := mirrorJPEG(buf.Bytes())
	require.NoError(t, err)

	out, err := jpeg.Decode(bytes.NewReader(mirrored))
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), out.Bounds())

	left, _, _, _ := out.At(1, 4).RGBA()
	right, _, _, _ := out.At(14, 4).RGBA()
	assert.Less(t, left, uint32(0x4000))
	assert.Greater(t, right, uint32(0xC000))

	_, err = mirrorJPEG([]byte("not a jpeg"))
	assert.Error(t, err)
}

// fakeSource は決まったフレームを流し続けるFrameSource
type fakeSource struct {
	frame    []byte
	size     Size
	rotation Rotation
}

func (s *fakeSource) Stream(ctx context.Context, onFrame func([]byte)) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			onFrame(s.frame)
		}
	}
}

func newFakeStreamDevice(t *testing.T, released *bool) (Device, *fakeSource) {
	t.Helper()
	frame, err := encodeTestFrame(Size{Width: 8, Height: 8}, 128)
	require.NoError(t, err)

	source := &fakeSource{frame: frame}
	device := NewStreamDevice(StreamConfig{
		Name: "fake",
		Source: func(size Size, rotation Rotation) (FrameSource, error) {
			source.size, source.rotation = size, rotation
			return source, nil
		},
		Release: func() { *released = true },
	}, nil)
	return device, source
}

func TestStreamDevice_Still(t *testing.T) {
	released := false
	device, source := newFakeStreamDevice(t, &released)

	pipelines, err := device.Configure(context.Background(), []PipelineSpec{
		{Kind: PipelinePreview, Ratio: Ratio16x9, Rotation: Rotation90},
		{Kind: PipelineStill, Ratio: Ratio16x9, Rotation: Rotation90},
		{Kind: PipelineVideo, Ratio: Ratio16x9, Rotation: Rotation90},
	})
	require.NoError(t, err)
	assert.Equal(t, Size{Width: 720, Height: 1280}, source.size)
	assert.Equal(t, Rotation90, source.rotation)

	select {
	case frame := <-pipelines.Preview.Frames():
		assert.Equal(t, source.frame, frame)
	case <-time.After(time.Second):
		t.Fatal("プレビューフレームが届きません")
	}

	path := filepath.Join(t.TempDir(), "still.jpg")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pipelines.Still.Capture(ctx, CaptureRequest{Path: path}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, source.frame, data)

	assert.False(t, device.Revoked())
	require.NoError(t, device.Close())
	require.NoError(t, device.Close())
	assert.True(t, released)

	// 解放後の撮影は失敗する
	assert.Error(t, pipelines.Still.Capture(ctx, CaptureRequest{Path: path}))
}

func TestStreamDevice_Configure(t *testing.T) {
	released := false
	device, _ := newFakeStreamDevice(t, &released)
	defer device.Close()

	// 形状の異なるパイプラインは同じストリームを共有できない
	_, err := device.Configure(context.Background(), []PipelineSpec{
		{Kind: PipelinePreview, Ratio: Ratio4x3},
		{Kind: PipelineStill, Ratio: Ratio16x9},
	})
	assert.Error(t, err)

	// 同じ種類のパイプラインの重複
	_, err = device.Configure(context.Background(), []PipelineSpec{
		{Kind: PipelinePreview, Ratio: Ratio4x3},
		{Kind: PipelinePreview, Ratio: Ratio4x3},
	})
	assert.Error(t, err)
}

func TestStreamDevice_Dispatch(t *testing.T) {
	d := NewStreamDevice(StreamConfig{Name: "fake"}, nil).(*streamDevice)
	d.preview = make(chan []byte, 2)
	d.firstFrame = make(chan struct{})

	for i := byte(1); i <= 3; i++ {
		d.dispatch([]byte{i})
	}

	// プレビューは古いフレームから破棄される
	assert.Equal(t, []byte{2}, <-d.preview)
	assert.Equal(t, []byte{3}, <-d.preview)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := d.latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, frame)
}

func TestStreamDevice_Revoked(t *testing.T) {
	exists := true
	d := NewStreamDevice(StreamConfig{Name: "fake", Exists: func() bool { return exists }}, nil)
	assert.False(t, d.Revoked())

	exists = false
	assert.True(t, d.Revoked())
}
