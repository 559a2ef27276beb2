// Package storage は保存したメディアをオブジェクトストレージへ複製する
package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"shashin/internal/camera"
	"shashin/internal/config"
)

// uploader はMinIOクライアントのうち使用する操作
type uploader interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOPublisher は保存したファイルをMinIOへアップロードする
type MinIOPublisher struct {
	client       uploader
	bucket       string
	prefix       string
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

var _ camera.Publisher = (*MinIOPublisher)(nil)

// NewMinIOPublisher はクライアントを作成し、バケットがなければ作成する
func NewMinIOPublisher(ctx context.Context, cfg config.MinIOConfig, logger *zap.Logger) (*MinIOPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIOクライアントの作成に失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("バケットの確認に失敗: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("バケットの作成に失敗: %w", err)
		}
		logger.Info("バケットを作成しました", zap.String("bucket", cfg.Bucket))
	}

	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client uploader, cfg config.MinIOConfig, logger *zap.Logger) *MinIOPublisher {
	return &MinIOPublisher{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger.Named("minio"),
	}
}

// Publish はファイルをアップロードし、URIをs3://bucket/keyに置き換えた場所を返す
func (p *MinIOPublisher) Publish(ctx context.Context, loc camera.SavedLocation) (camera.SavedLocation, error) {
	key := objectKey(p.prefix, loc.Path)
	opts := minio.PutObjectOptions{ContentType: contentType(loc.Path)}

	attempt := 0
	op := func() error {
		attempt++
		info, err := p.client.FPutObject(ctx, p.bucket, key, loc.Path, opts)
		if err != nil {
			p.logger.Debug("アップロードに失敗しました",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		p.logger.Info("アップロードしました",
			zap.String("bucket", p.bucket),
			zap.String("key", key),
			zap.Int64("size", info.Size),
		)
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(p.newBackOff(), ctx)); err != nil {
		return loc, fmt.Errorf("%s のアップロードに失敗 (%d回試行): %w", loc.Path, attempt, err)
	}

	loc.URI = fmt.Sprintf("s3://%s/%s", p.bucket, key)
	return loc, nil
}

// newBackOff は操作ごとに新しいバックオフを作る
func (p *MinIOPublisher) newBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if p.retryBackoff > 0 {
		ebo.InitialInterval = p.retryBackoff
	}
	ebo.MaxElapsedTime = 2 * time.Minute
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(p.maxRetries))
}

// objectKey はファイル名からオブジェクトキーを作る
func objectKey(prefix, filePath string) string {
	name := filepath.Base(filePath)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// contentType は拡張子からContent-Typeを決める
func contentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case camera.PhotoExtension:
		return "image/jpeg"
	case camera.VideoExtension:
		return "video/mp4"
	}
	if t := mime.TypeByExtension(filepath.Ext(filePath)); t != "" {
		return t
	}
	return "application/octet-stream"
}
