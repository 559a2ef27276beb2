package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Binder はカメラデバイスの確保とパイプラインの構築を担う
//
// 生存するセッションは常に高々1つ。カメラ用エグゼキューターからのみ呼び出す
type Binder struct {
	layer  DeviceLayer
	logger *zap.Logger

	active *Session
}

// NewBinder は新しいBinderを作成する
func NewBinder(layer DeviceLayer, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		layer:  layer,
		logger: logger.Named("binder"),
	}
}

// Bind は指定センサーで新しいセッションを構築する
//
// 既存のセッションはデバイスを開く前に解放される。失敗した場合Binderは未バインドのまま
func (b *Binder) Bind(ctx context.Context, facing Facing, rotation Rotation, viewport Size) (*Session, error) {
	if !viewport.Valid() {
		return nil, fmt.Errorf("%s: %w", viewport, ErrInvalidViewport)
	}

	ratio := SelectAspectRatio(viewport.Width, viewport.Height)
	specs := []PipelineSpec{
		{Kind: PipelinePreview, Ratio: ratio, Rotation: rotation},
		{Kind: PipelineStill, Ratio: ratio, Rotation: rotation, Mirror: facing == FacingFront},
		{Kind: PipelineVideo, Ratio: ratio, Rotation: rotation},
	}

	// 以前のバインドを解放してから新しいデバイスを開く
	if err := b.Unbind(); err != nil {
		b.logger.Warn("以前のセッションの解放に失敗しました", zap.Error(err))
	}

	device, err := b.layer.Open(ctx, facing)
	if err != nil {
		b.logger.Warn("カメラデバイスを開けませんでした",
			zap.Stringer("facing", facing),
			zap.Error(err),
		)
		return nil, fmt.Errorf("センサー %s: %w: %w", facing, ErrDeviceUnavailable, err)
	}

	pipelines, err := device.Configure(ctx, specs)
	if err != nil {
		if closeErr := device.Close(); closeErr != nil {
			b.logger.Warn("デバイスのクローズに失敗しました", zap.Error(closeErr))
		}
		b.logger.Warn("パイプラインを構成できませんでした",
			zap.Stringer("facing", facing),
			zap.Error(err),
		)
		return nil, fmt.Errorf("センサー %s: %w: %w", facing, ErrPipelineConflict, err)
	}

	session := &Session{
		ID:       uuid.New().String(),
		Facing:   facing,
		Ratio:    ratio,
		Rotation: rotation,
		Viewport: viewport,
		BoundAt:  time.Now(),
		Preview:  pipelines.Preview,
		Still:    pipelines.Still,
		Video:    pipelines.Video,
		device:   device,
	}
	b.active = session

	b.logger.Info("セッションをバインドしました",
		zap.String("session_id", session.ID),
		zap.Stringer("facing", facing),
		zap.Stringer("ratio", ratio),
		zap.Int("rotation", rotation.Degrees()),
	)

	return session, nil
}

// Unbind は生存しているセッションを解放する。未バインドの場合は何もしない
func (b *Binder) Unbind() error {
	if b.active == nil {
		return nil
	}

	session := b.active
	b.active = nil

	if err := session.device.Close(); err != nil {
		return fmt.Errorf("セッション %s の解放に失敗: %w", session.ID, err)
	}

	b.logger.Info("セッションを解放しました", zap.String("session_id", session.ID))
	return nil
}

// Active は現在のセッションを返す
func (b *Binder) Active() *Session {
	return b.active
}
