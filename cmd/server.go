// Package main はShashinサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"shashin/internal/app"
	"shashin/internal/config"
	"shashin/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		driver     = flag.String("driver", "", "カメラドライバー (v4l2, mediadevices, mock)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	if *help {
		fmt.Println("Shashin")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Camera.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Shashin サーバーを起動します",
		zap.String("address", cfg.ServerAddress()),
		zap.String("driver", cfg.Camera.Driver))

	if err := app.Run(context.Background(), cfg, logger); err != nil {
		logger.Fatal("サーバーの起動に失敗しました", zap.Error(err))
	}
}
