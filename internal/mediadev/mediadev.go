// Package mediadev はpion/mediadevicesを使うデバイス層を提供する
//
// V4L2以外のプラットフォームでもmediadevicesのカメラドライバー経由でフレームを取得できる。
// 録画はcamera.FFmpegRecorderを共有するため、ffmpegは引き続き必要
package mediadev

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // カメラドライバーの登録
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"shashin/internal/camera"
)

const jpegQuality = 85

// Enumerator は映像入力デバイスのIDを列挙する
type Enumerator func() []string

// EnumerateVideoInputs はmediadevicesに登録された映像入力デバイスのIDを返す
func EnumerateVideoInputs() []string {
	var ids []string
	for _, device := range mediadevices.EnumerateDevices() {
		if device.Kind == mediadevices.VideoInput {
			ids = append(ids, device.DeviceID)
		}
	}
	return ids
}

// Layer はmediadevicesのデバイス層
type Layer struct {
	devices   map[camera.Facing]string
	fps       int
	quality   int
	enumerate Enumerator
	logger    *zap.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// NewLayerFromConfig は設定からLayerを作成する。camera.DeviceLayerFactoryに登録して使う
func NewLayerFromConfig(_ context.Context, config camera.LayerConfig) (camera.DeviceLayer, error) {
	return newLayer(config, EnumerateVideoInputs)
}

func newLayer(config camera.LayerConfig, enumerate Enumerator) (*Layer, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mediadevices")

	devices := camera.AssignFacings(config.Devices, enumerate())
	if len(devices) == 0 {
		return nil, fmt.Errorf("利用可能なカメラデバイスがありません")
	}
	for facing, id := range devices {
		logger.Info("センサーを割り当てました", zap.Stringer("facing", facing), zap.String("device_id", id))
	}

	fps := config.FPS
	if fps <= 0 {
		fps = 15
	}

	return &Layer{
		devices:   devices,
		fps:       fps,
		quality:   config.Quality,
		enumerate: enumerate,
		logger:    logger,
		busy:      make(map[string]bool),
	}, nil
}

// Open はセンサーに対応するデバイスを確保する
func (l *Layer) Open(_ context.Context, facing camera.Facing) (camera.Device, error) {
	id, ok := l.devices[facing]
	if !ok {
		return nil, fmt.Errorf("センサー %s のデバイスがありません", facing)
	}
	if !l.present(id) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", id)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.busy[id] {
		return nil, fmt.Errorf("デバイス %s は使用中です", id)
	}
	l.busy[id] = true

	return camera.NewStreamDevice(camera.StreamConfig{
		Name:    id,
		FPS:     l.fps,
		Quality: l.quality,
		Source: func(size camera.Size, rotation camera.Rotation) (camera.FrameSource, error) {
			return &trackSource{deviceID: id, size: size, rotation: rotation, fps: l.fps, logger: l.logger}, nil
		},
		Release: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.busy, id)
		},
		Exists: func() bool { return l.present(id) },
	}, l.logger), nil
}

func (l *Layer) present(id string) bool {
	for _, d := range l.enumerate() {
		if d == id {
			return true
		}
	}
	return false
}

// trackSource はmediadevicesの映像トラックからJPEGフレームを作る
type trackSource struct {
	deviceID string
	size     camera.Size
	rotation camera.Rotation
	fps      int
	logger   *zap.Logger
}

// Stream はトラックを開いてフレームを読み続ける
func (s *trackSource) Stream(ctx context.Context, onFrame func([]byte)) error {
	// デバイスへは回転前の大きさで要求する
	width, height := s.size.Width, s.size.Height
	if s.rotation.Sideways() {
		width, height = height, width
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(s.deviceID)
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(float64(s.fps))
		},
	})
	if err != nil {
		return fmt.Errorf("メディアストリームの取得に失敗: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return fmt.Errorf("映像トラックがありません: %s", s.deviceID)
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		_ = tracks[0].Close()
		return fmt.Errorf("映像トラックではありません: %T", tracks[0])
	}

	// Readをブロックから抜けさせるため、キャンセル時にトラックを閉じる
	var closeOnce sync.Once
	closeTrack := func() { closeOnce.Do(func() { _ = track.Close() }) }
	defer closeTrack()
	stop := context.AfterFunc(ctx, closeTrack)
	defer stop()

	reader := track.NewReader(false)
	for {
		img, release, err := reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("フレームの読み込みに失敗: %w", err)
		}

		frame, err := encodeFrame(img, s.rotation)
		release()
		if err != nil {
			s.logger.Debug("フレームのエンコードに失敗しました", zap.Error(err))
			continue
		}
		onFrame(frame)
	}
}

// encodeFrame は画像を回転してJPEGにエンコードする
func encodeFrame(img image.Image, rotation camera.Rotation) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rotate(img, rotation), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("JPEG画像のエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// rotate は画像を時計回りに回転する
func rotate(img image.Image, rotation camera.Rotation) image.Image {
	if rotation == camera.Rotation0 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	if rotation.Sideways() {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch rotation {
			case camera.Rotation90:
				dst.Set(h-1-y, x, c)
			case camera.Rotation180:
				dst.Set(w-1-x, h-1-y, c)
			case camera.Rotation270:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}
