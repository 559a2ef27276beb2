package camera

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// DriverType はデバイス層の種類
type DriverType string

const (
	DriverV4L2         DriverType = "v4l2"
	DriverMediaDevices DriverType = "mediadevices"
	DriverMock         DriverType = "mock"
)

// LayerConfig はデバイス層の作成設定
type LayerConfig struct {
	Devices   map[Facing]string // センサーごとのデバイス。空ならDiscoveryで割り当てる
	FPS       int
	Quality   int
	Discovery Discovery
	Logger    *zap.Logger
}

// LayerCreator はデバイス層作成関数の型
type LayerCreator func(ctx context.Context, config LayerConfig) (DeviceLayer, error)

// DeviceLayerFactory はデバイス層のファクトリー
type DeviceLayerFactory struct {
	creators map[DriverType]LayerCreator
}

// NewDeviceLayerFactory は標準のドライバーを登録したファクトリーを作成する
func NewDeviceLayerFactory() *DeviceLayerFactory {
	factory := &DeviceLayerFactory{
		creators: make(map[DriverType]LayerCreator),
	}

	factory.Register(DriverV4L2, NewV4L2LayerFromConfig)
	factory.Register(DriverMock, func(context.Context, LayerConfig) (DeviceLayer, error) {
		return NewMockDeviceLayer(), nil
	})

	return factory
}

// Register はデバイス層作成関数を登録する
func (f *DeviceLayerFactory) Register(driver DriverType, creator LayerCreator) {
	f.creators[driver] = creator
}

// Create はデバイス層を作成する
func (f *DeviceLayerFactory) Create(ctx context.Context, driver DriverType, config LayerConfig) (DeviceLayer, error) {
	creator, exists := f.creators[driver]
	if !exists {
		return nil, fmt.Errorf("サポートされていないドライバー: %s", driver)
	}

	return creator(ctx, config)
}

// SupportedDrivers は登録済みのドライバーを名前順に返す
func (f *DeviceLayerFactory) SupportedDrivers() []DriverType {
	drivers := make([]DriverType, 0, len(f.creators))
	for driver := range f.creators {
		drivers = append(drivers, driver)
	}
	sort.Slice(drivers, func(i, j int) bool { return drivers[i] < drivers[j] })
	return drivers
}

// NewV4L2LayerFromConfig は設定からV4L2Layerを作成する
func NewV4L2LayerFromConfig(ctx context.Context, config LayerConfig) (DeviceLayer, error) {
	discovery := config.Discovery
	if discovery == nil {
		discovery = NewLinuxDiscovery()
	}

	found, err := discovery.ScanDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("デバイスの検出に失敗: %w", err)
	}

	devices := AssignFacings(config.Devices, found)
	if len(devices) == 0 {
		return nil, fmt.Errorf("利用可能なカメラデバイスがありません")
	}

	if config.Logger != nil {
		for facing, device := range devices {
			config.Logger.Info("センサーを割り当てました", zap.Stringer("facing", facing), zap.String("device", device))
		}
	}

	return NewV4L2Layer(V4L2Config{
		Devices: devices,
		FPS:     config.FPS,
		Quality: config.Quality,
	}, discovery, config.Logger), nil
}
