package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FrameSource はJPEGフレームを供給する
type FrameSource interface {
	// Stream はctxがキャンセルされるまでフレームをonFrameへ渡す。キャンセル時はnilを返す
	Stream(ctx context.Context, onFrame func([]byte)) error
}

// SourceFunc はパイプラインの形状からFrameSourceを作る
type SourceFunc func(size Size, rotation Rotation) (FrameSource, error)

// StreamConfig はストリーム型デバイスの設定
type StreamConfig struct {
	Name    string // ログ表示用のデバイス名
	FPS     int
	Quality int // 録画品質 1(低)〜5(高)

	Source  SourceFunc
	Release func()      // Close時に呼ばれる
	Exists  func() bool // nilの場合は常に存在するとみなす
}

// streamDevice は1本のフレームストリームからプレビュー・静止画・録画へフレームを配るデバイス
type streamDevice struct {
	config StreamConfig
	logger *zap.Logger

	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	revoked atomic.Bool

	// プレビュー用
	preview chan []byte

	// 最新フレーム保持用（静止画用）
	latestFrame []byte
	latestMutex sync.RWMutex
	firstFrame  chan struct{}
	firstOnce   sync.Once

	// 録画中のレコーダー
	recorder atomic.Pointer[FFmpegRecorder]
}

// NewStreamDevice はFrameSourceを使うDeviceを作成する
func NewStreamDevice(config StreamConfig, logger *zap.Logger) Device {
	if config.FPS <= 0 {
		config.FPS = 15
	}
	if config.Quality <= 0 {
		config.Quality = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &streamDevice{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Configure はストリームを開始してパイプラインを構築する
func (d *streamDevice) Configure(_ context.Context, specs []PipelineSpec) (Pipelines, error) {
	if d.cancel != nil {
		return Pipelines{}, fmt.Errorf("デバイス %s は構成済みです", d.config.Name)
	}

	var (
		size     Size
		rotation Rotation
		mirror   bool
		kinds    = make(map[PipelineKind]bool)
	)
	for _, spec := range specs {
		if kinds[spec.Kind] {
			return Pipelines{}, fmt.Errorf("パイプライン %s が重複しています", spec.Kind)
		}
		kinds[spec.Kind] = true

		s := TargetResolution(spec.Ratio, spec.Rotation)
		if size.Valid() && (s != size || spec.Rotation != rotation) {
			// 1本のストリームを共有するため、すべてのパイプラインは同じ形状でなければならない
			return Pipelines{}, fmt.Errorf("パイプラインの形状が一致しません: %s と %s", size, s)
		}
		size, rotation = s, spec.Rotation
		if spec.Kind == PipelineStill {
			mirror = spec.Mirror
		}
	}

	source, err := d.config.Source(size, rotation)
	if err != nil {
		return Pipelines{}, fmt.Errorf("ストリームの作成に失敗: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.preview = make(chan []byte, 2)
	d.firstFrame = make(chan struct{})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := source.Stream(ctx, d.dispatch); err != nil {
			// デバイスが抜かれた場合など
			d.revoked.Store(true)
			d.logger.Warn("ストリームが終了しました", zap.String("device", d.config.Name), zap.Error(err))
		}
	}()

	d.logger.Info("ストリームを開始しました",
		zap.String("device", d.config.Name),
		zap.Stringer("size", size),
		zap.Int("rotation", rotation.Degrees()),
	)

	return Pipelines{
		Preview: &streamPreview{device: d},
		Still:   &streamStill{device: d, mirror: mirror},
		Video:   &streamVideo{device: d},
	}, nil
}

// dispatch は受け取ったフレームを各パイプラインへ配る
func (d *streamDevice) dispatch(frame []byte) {
	d.latestMutex.Lock()
	d.latestFrame = frame
	d.latestMutex.Unlock()
	d.firstOnce.Do(func() { close(d.firstFrame) })

	if rec := d.recorder.Load(); rec != nil {
		rec.WriteFrame(frame)
	}

	// チャンネルがフルの場合は古いフレームを破棄
	select {
	case d.preview <- frame:
	default:
		select {
		case <-d.preview:
		default:
		}
		select {
		case d.preview <- frame:
		default:
		}
	}
}

// latest は最新フレームを返す。まだフレームがなければ最初のフレームを待つ
func (d *streamDevice) latest(ctx context.Context) ([]byte, error) {
	select {
	case <-d.firstFrame:
	case <-d.stopCh:
		return nil, fmt.Errorf("デバイス %s は解放されています", d.config.Name)
	case <-ctx.Done():
		return nil, fmt.Errorf("フレームがまだ取得されていません: %w", ctx.Err())
	}

	d.latestMutex.RLock()
	defer d.latestMutex.RUnlock()
	return d.latestFrame, nil
}

// Revoked はストリームが異常終了したかデバイスが消えたかを返す
func (d *streamDevice) Revoked() bool {
	if d.revoked.Load() {
		return true
	}
	return d.config.Exists != nil && !d.config.Exists()
}

// Close はストリームを停止してデバイスを解放する
func (d *streamDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil // 既に解放済み
	}

	var err error
	if rec := d.recorder.Swap(nil); rec != nil {
		err = rec.Stop()
	}

	close(d.stopCh)
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.config.Release != nil {
		d.config.Release()
	}
	d.logger.Debug("デバイスを解放しました", zap.String("device", d.config.Name))
	return err
}

type streamPreview struct {
	device *streamDevice
}

func (p *streamPreview) Frames() <-chan []byte {
	return p.device.preview
}

type streamStill struct {
	device *streamDevice
	mirror bool
}

// Capture は最新フレームをJPEGファイルとして書き出す
func (s *streamStill) Capture(ctx context.Context, req CaptureRequest) error {
	frame, err := s.device.latest(ctx)
	if err != nil {
		return err
	}

	if s.mirror {
		if frame, err = mirrorJPEG(frame); err != nil {
			return err
		}
	}

	if err := os.WriteFile(req.Path, frame, 0644); err != nil {
		return fmt.Errorf("静止画ファイルの書き込みに失敗: %w", err)
	}
	return nil
}

type streamVideo struct {
	device *streamDevice
}

// StartRecording はffmpegを起動してストリームのフレームを渡し始める
func (v *streamVideo) StartRecording(ctx context.Context, req CaptureRequest, onError func(error)) (Recording, error) {
	d := v.device

	// 最初のフレームが来るまでは録画を開始しない
	if _, err := d.latest(ctx); err != nil {
		return nil, err
	}
	if d.recorder.Load() != nil {
		return nil, fmt.Errorf("デバイス %s は既に録画中です", d.config.Name)
	}

	rec, err := StartFFmpegRecorder(req.Path, d.config.FPS, d.config.Quality, onError, d.logger)
	if err != nil {
		return nil, err
	}
	if !d.recorder.CompareAndSwap(nil, rec) {
		_ = rec.Stop()
		return nil, fmt.Errorf("デバイス %s は既に録画中です", d.config.Name)
	}

	return &streamRecording{device: d, recorder: rec, startedAt: time.Now()}, nil
}

type streamRecording struct {
	device    *streamDevice
	recorder  *FFmpegRecorder
	startedAt time.Time
}

// Stop はフレームの供給を止めてファイルを確定する
func (r *streamRecording) Stop() error {
	r.device.recorder.CompareAndSwap(r.recorder, nil)
	if err := r.recorder.Stop(); err != nil {
		return err
	}

	r.device.logger.Debug("録画ファイルを確定しました",
		zap.String("path", r.recorder.path),
		zap.Duration("duration", time.Since(r.startedAt)),
	)
	return nil
}

// mirrorJPEG はJPEG画像を左右反転する
func mirrorJPEG(data []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}

	b := img.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.X-1-(x-b.Min.X), y, img.At(x, y))
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("JPEG画像のエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
