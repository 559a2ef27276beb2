package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	// .envを拾わないように空のディレクトリで実行する
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// カメラ設定の検証
	assert.Equal(t, "v4l2", cfg.Camera.Driver)
	assert.Equal(t, 1080, cfg.Camera.ViewportWidth)
	assert.Equal(t, 1920, cfg.Camera.ViewportHeight)
	assert.Equal(t, []string{"camera", "microphone", "storage"}, cfg.Camera.Capabilities)
	assert.False(t, cfg.Storage.MinIO.Enabled)
}

// TestConfigLoadYAML はYAMLファイルからの読み込みをテストする
func TestConfigLoadYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "shashin.yaml")
	data := `
server:
  port: 9090
camera:
  driver: mock
  back_device: /dev/video2
  rotation: 90
  retry:
    initial_interval: 100ms
    max_interval: 1s
    max_retries: 5
output:
  external_dir: /media/usb
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host) // 指定がなければデフォルト値のまま
	assert.Equal(t, "mock", cfg.Camera.Driver)
	assert.Equal(t, "/dev/video2", cfg.Camera.BackDevice)
	assert.Equal(t, 90, cfg.Camera.Rotation)
	assert.Equal(t, 100*time.Millisecond, cfg.Camera.Retry.InitialInterval)
	assert.Equal(t, 5, cfg.Camera.Retry.MaxRetries)
	assert.Equal(t, "/media/usb", cfg.Output.ExternalDir)
	assert.Equal(t, "shashin", cfg.Output.AppName)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestConfigLoadMissingFile(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load("/nonexistent/shashin.yaml")
	assert.Error(t, err)
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "未対応のドライバー",
			modify:    func(c *Config) { c.Camera.Driver = "x11" },
			expectErr: true,
		},
		{
			name:      "無効な回転角度",
			modify:    func(c *Config) { c.Camera.Rotation = 45 },
			expectErr: true,
		},
		{
			name:      "表示領域がゼロ",
			modify:    func(c *Config) { c.Camera.ViewportWidth = 0 },
			expectErr: true,
		},
		{
			name: "前面と背面が同じデバイス",
			modify: func(c *Config) {
				c.Camera.BackDevice = "/dev/video0"
				c.Camera.FrontDevice = "/dev/video0"
			},
			expectErr: true,
		},
		{
			name: "再試行間隔の逆転",
			modify: func(c *Config) {
				c.Camera.Retry.InitialInterval = 10 * time.Second
				c.Camera.Retry.MaxInterval = time.Second
			},
			expectErr: true,
		},
		{
			name: "MinIO有効時にエンドポイントなし",
			modify: func(c *Config) {
				c.Storage.MinIO.Enabled = true
				c.Storage.MinIO.Bucket = "media"
			},
			expectErr: true,
		},
		{
			name: "MinIOの正常な設定",
			modify: func(c *Config) {
				c.Storage.MinIO.Enabled = true
				c.Storage.MinIO.Endpoint = "localhost:9000"
				c.Storage.MinIO.Bucket = "media"
			},
			expectErr: false,
		},
		{
			name:      "無効なログレベル",
			modify:    func(c *Config) { c.Log.Level = "verbose" },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	chdir(t, t.TempDir())

	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("SHASHIN_CAMERA_DRIVER", "mock")
	t.Setenv("SHASHIN_PERMISSION_GRANTED", "false")
	t.Setenv("MINIO_ENABLED", "true")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_BUCKET", "captures")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数SERVER_HOSTが反映されていません: %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数PORTが反映されていません: %d", cfg.Server.Port)
	}
	assert.Equal(t, "mock", cfg.Camera.Driver)
	assert.False(t, cfg.Camera.PermissionGranted)
	assert.True(t, cfg.Storage.MinIO.Enabled)
	assert.Equal(t, "captures", cfg.Storage.MinIO.Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)
}

// TestDotEnv は.envファイルの読み込みをテストする
func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SHASHIN_BACK_DEVICE=/dev/video4\n"), 0644))

	// .envから設定された環境変数を後片付けする
	t.Cleanup(func() { _ = os.Unsetenv("SHASHIN_BACK_DEVICE") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/video4", cfg.Camera.BackDevice)
}

// chdir は testing.T.Chdir (Go 1.24+) 相当: ディレクトリを変更し、テスト終了時に元に戻す
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("chdir: %v", err)
		}
	})
}
