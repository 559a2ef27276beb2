// Package app は設定から各コンポーネントを組み立ててサーバーを起動する
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shashin/internal/camera"
	"shashin/internal/config"
	"shashin/internal/mediadev"
	"shashin/internal/server"
	"shashin/internal/storage"
)

// NewDeviceLayer は設定されたドライバーのデバイス層を作成する
func NewDeviceLayer(ctx context.Context, cfg config.CameraConfig, logger *zap.Logger) (camera.DeviceLayer, error) {
	factory := camera.NewDeviceLayerFactory()
	factory.Register(camera.DriverMediaDevices, mediadev.NewLayerFromConfig)

	devices := make(map[camera.Facing]string)
	if cfg.BackDevice != "" {
		devices[camera.FacingBack] = cfg.BackDevice
	}
	if cfg.FrontDevice != "" {
		devices[camera.FacingFront] = cfg.FrontDevice
	}

	driver := camera.DriverType(cfg.Driver)
	if driver != camera.DriverMock {
		if err := camera.ValidateFFmpeg(ctx); err != nil {
			logger.Warn("ffmpegが利用できないため録画できません", zap.Error(err))
		}
	}

	return factory.Create(ctx, driver, camera.LayerConfig{
		Devices: devices,
		FPS:     cfg.FPS,
		Quality: cfg.Quality,
		Logger:  logger,
	})
}

// NewManager は設定からLifecycleManagerを作成する
func NewManager(ctx context.Context, cfg *config.Config, layer camera.DeviceLayer, notifier camera.Notifier, logger *zap.Logger) (*camera.LifecycleManager, error) {
	rotation, err := camera.RotationFromDegrees(cfg.Camera.Rotation)
	if err != nil {
		return nil, err
	}

	opts := camera.Options{
		Rotation:     rotation,
		Viewport:     camera.Size{Width: cfg.Camera.ViewportWidth, Height: cfg.Camera.ViewportHeight},
		Capabilities: cfg.Camera.Capabilities,
		Retry: camera.RetryPolicy{
			InitialInterval: cfg.Camera.Retry.InitialInterval,
			MaxInterval:     cfg.Camera.Retry.MaxInterval,
			MaxRetries:      uint64(cfg.Camera.Retry.MaxRetries),
		},
		Notifier: notifier,
	}

	if cfg.Storage.MinIO.Enabled {
		publisher, err := storage.NewMinIOPublisher(ctx, cfg.Storage.MinIO, logger)
		if err != nil {
			return nil, fmt.Errorf("MinIOの初期化に失敗: %w", err)
		}
		opts.Publisher = publisher
	}

	gate := camera.NewStaticGate(cfg.Camera.PermissionGranted, logger)
	output := camera.NewOutputDirectory(cfg.Output.ExternalDir, cfg.Output.InternalDir, cfg.Output.AppName)

	return camera.NewLifecycleManager(layer, gate, output, opts, logger), nil
}

// Run はカメラを起動し、HTTPサーバーが停止するまでブロックする
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	layer, err := NewDeviceLayer(ctx, cfg.Camera, logger)
	if err != nil {
		return fmt.Errorf("デバイス層の作成に失敗: %w", err)
	}

	hub := server.NewHub(logger)
	notifier := camera.MultiNotifier{camera.NewLogNotifier(logger), hub}

	manager, err := NewManager(ctx, cfg, layer, notifier, logger)
	if err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		if errors.Is(err, camera.ErrPermissionDenied) {
			_ = manager.Shutdown(context.Background())
			return fmt.Errorf("カメラの権限がありません: %w", err)
		}
		// バインドの失敗はResumeで再試行できるため起動は続ける
		logger.Warn("カメラのバインドに失敗しました", zap.Error(err))
	}

	srv := server.New(cfg, manager, hub, logger)
	return srv.Start(ctx)
}
