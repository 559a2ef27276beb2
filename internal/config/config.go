package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Output  OutputConfig  `yaml:"output"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"`        // リッスンするホスト
	Port int    `yaml:"port" validate:"min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"` // シャットダウンの猶予
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=v4l2 mediadevices mock"`
	BackDevice  string `yaml:"back_device"`  // 空の場合は自動検出
	FrontDevice string `yaml:"front_device"` // 空の場合は自動検出

	// 表示領域。アスペクト比の選択に使う
	ViewportWidth  int `yaml:"viewport_width" validate:"min=1"`
	ViewportHeight int `yaml:"viewport_height" validate:"min=1"`
	Rotation       int `yaml:"rotation" validate:"oneof=0 90 180 270"`

	FPS     int `yaml:"fps" validate:"min=1,max=60"`
	Quality int `yaml:"quality" validate:"min=1,max=5"` // 録画品質 1(低)〜5(高)

	// 権限
	Capabilities      []string    `yaml:"capabilities"`
	PermissionGranted bool        `yaml:"permission_granted"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig は権限要求の再試行設定
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gt=0"`
	MaxRetries      int           `yaml:"max_retries" validate:"min=0"`
}

// OutputConfig は保存先の設定
type OutputConfig struct {
	ExternalDir string `yaml:"external_dir"` // 外部メディアディレクトリ（任意）
	InternalDir string `yaml:"internal_dir" validate:"required"`
	AppName     string `yaml:"app_name" validate:"required"`
}

// StorageConfig はリモートストレージの設定
type StorageConfig struct {
	MinIO MinIOConfig `yaml:"minio"`
}

// MinIOConfig は保存したメディアのミラー先
type MinIOConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Endpoint        string        `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UseSSL          bool          `yaml:"use_ssl"`
	Bucket          string        `yaml:"bucket" validate:"required_if=Enabled true"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	MaxRetries      int           `yaml:"max_retries" validate:"min=0"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" validate:"min=0"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Driver:            "v4l2",
			ViewportWidth:     1080,
			ViewportHeight:    1920,
			Rotation:          0,
			FPS:               15,
			Quality:           3,
			Capabilities:      []string{"camera", "microphone", "storage"},
			PermissionGranted: true,
			Retry: RetryConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxRetries:      3,
			},
		},
		Output: OutputConfig{
			InternalDir: "./data",
			AppName:     "shashin",
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Region:       "us-east-1",
				MaxRetries:   3,
				RetryBackoff: time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値、YAMLファイル（pathが空でなければ）、.env、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	// .envは任意
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗: %w", err)
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)

	c.Camera.Driver = getEnvOrDefault("SHASHIN_CAMERA_DRIVER", c.Camera.Driver)
	c.Camera.BackDevice = getEnvOrDefault("SHASHIN_BACK_DEVICE", c.Camera.BackDevice)
	c.Camera.FrontDevice = getEnvOrDefault("SHASHIN_FRONT_DEVICE", c.Camera.FrontDevice)
	c.Camera.Rotation = getEnvAsIntOrDefault("SHASHIN_ROTATION", c.Camera.Rotation)
	c.Camera.FPS = getEnvAsIntOrDefault("SHASHIN_FPS", c.Camera.FPS)
	c.Camera.PermissionGranted = getEnvAsBoolOrDefault("SHASHIN_PERMISSION_GRANTED", c.Camera.PermissionGranted)

	c.Output.ExternalDir = getEnvOrDefault("SHASHIN_EXTERNAL_DIR", c.Output.ExternalDir)
	c.Output.InternalDir = getEnvOrDefault("SHASHIN_INTERNAL_DIR", c.Output.InternalDir)

	minio := &c.Storage.MinIO
	minio.Enabled = getEnvAsBoolOrDefault("MINIO_ENABLED", minio.Enabled)
	minio.Endpoint = getEnvOrDefault("MINIO_ENDPOINT", minio.Endpoint)
	minio.AccessKeyID = getEnvOrDefault("MINIO_ACCESS_KEY", minio.AccessKeyID)
	minio.SecretAccessKey = getEnvOrDefault("MINIO_SECRET_KEY", minio.SecretAccessKey)
	minio.Bucket = getEnvOrDefault("MINIO_BUCKET", minio.Bucket)
	minio.UseSSL = getEnvAsBoolOrDefault("MINIO_USE_SSL", minio.UseSSL)

	c.Log.Level = strings.ToLower(getEnvOrDefault("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnvOrDefault("LOG_FORMAT", c.Log.Format))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	// センサー同士でデバイスを共有できない
	if c.Camera.BackDevice != "" && c.Camera.BackDevice == c.Camera.FrontDevice {
		return fmt.Errorf("前面と背面に同じデバイスが指定されています: %s", c.Camera.BackDevice)
	}

	if c.Camera.Retry.MaxInterval < c.Camera.Retry.InitialInterval {
		return fmt.Errorf("再試行の最大間隔が初期間隔より短いです: %s < %s",
			c.Camera.Retry.MaxInterval, c.Camera.Retry.InitialInterval)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得する
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
