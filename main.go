package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"shashin/internal/app"
	"shashin/internal/config"
	"shashin/internal/logging"
)

func main() {
	// 設定を読み込む (SHASHIN_CONFIGでYAMLを指定できる)
	cfg, err := config.Load(os.Getenv("SHASHIN_CONFIG"))
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := app.Run(context.Background(), cfg, logger); err != nil {
		logger.Fatal("サーバーの起動に失敗しました", zap.Error(err))
	}
}
