package camera

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// V4L2Config はV4L2デバイス層の設定
type V4L2Config struct {
	Devices map[Facing]string // センサーごとのデバイスパス
	FPS     int
	Quality int // 録画品質 1(低)〜5(高)
}

// V4L2Layer はffmpegとv4l2を使うデバイス層
type V4L2Layer struct {
	config    V4L2Config
	discovery Discovery
	logger    *zap.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// NewV4L2Layer は新しいV4L2Layerを作成する
func NewV4L2Layer(config V4L2Config, discovery Discovery, logger *zap.Logger) *V4L2Layer {
	if config.FPS <= 0 {
		config.FPS = 15
	}
	if config.Quality <= 0 {
		config.Quality = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &V4L2Layer{
		config:    config,
		discovery: discovery,
		logger:    logger.Named("v4l2"),
		busy:      make(map[string]bool),
	}
}

// Open はセンサーに対応するデバイスを確保する
func (l *V4L2Layer) Open(ctx context.Context, facing Facing) (Device, error) {
	path, ok := l.config.Devices[facing]
	if !ok || path == "" {
		return nil, fmt.Errorf("センサー %s のデバイスが設定されていません", facing)
	}

	if !l.discovery.IsDeviceAvailable(ctx, path) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.busy[path] {
		return nil, fmt.Errorf("デバイス %s は使用中です", path)
	}
	l.busy[path] = true

	l.logger.Debug("デバイスを確保しました", zap.String("device", path), zap.Stringer("facing", facing))

	return NewStreamDevice(StreamConfig{
		Name:    path,
		FPS:     l.config.FPS,
		Quality: l.config.Quality,
		Source: func(size Size, rotation Rotation) (FrameSource, error) {
			return NewV4L2Capturer(path, size, rotation, l.config.FPS, l.logger), nil
		},
		Release: func() { l.release(path) },
		Exists: func() bool {
			_, err := os.Stat(path)
			return !os.IsNotExist(err)
		},
	}, l.logger), nil
}

func (l *V4L2Layer) release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, path)
}
