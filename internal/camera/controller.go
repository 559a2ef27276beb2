package camera

import (
	"context"
	"net/url"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	captureTimeout = 30 * time.Second
	publishTimeout = 2 * time.Minute
)

// Controller は撮影モードと録画状態の状態機械
//
// 状態の読み書きはすべてUIループ上で行う。デバイスへの書き込みはカメラ用エグゼキューターで実行し、
// 結果はUIループへ戻してから配送する
type Controller struct {
	ui        *Executor
	cam       *Executor
	notifier  Notifier
	publisher Publisher
	logger    *zap.Logger

	// UIループ専有
	mode    CaptureMode
	state   RecordingState
	current *uiRecording
	gen     uint64

	// カメラ用エグゼキューター専有
	recording *camRecording

	// 録画がエラーで終了してIDLEに戻ったときUIループ上で呼ばれる
	onIdle func()
}

// uiRecording は1回の録画の結果配送を管理する
type uiRecording struct {
	gen       uint64
	req       CaptureRequest
	result    chan Result
	delivered bool
}

// camRecording はデバイス層が返した録画ハンドル
type camRecording struct {
	gen uint64
	req CaptureRequest
	rec Recording
}

// NewController は新しいControllerを作成する。初期状態はPHOTO/IDLE
func NewController(ui, cam *Executor, notifier Notifier, publisher Publisher, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Controller{
		ui:        ui,
		cam:       cam,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.Named("controller"),
		mode:      ModePhoto,
		state:     StateIdle,
	}
}

// Mode は現在の撮影モードを返す
func (c *Controller) Mode() CaptureMode {
	return c.mode
}

// State は現在の録画状態を返す
func (c *Controller) State() RecordingState {
	return c.state
}

// ToggleMode は撮影モードを切り替える。録画中は切り替えない
func (c *Controller) ToggleMode() (CaptureMode, error) {
	if c.state == StateRecording {
		return c.mode, ErrRecordingActive
	}

	c.mode = c.mode.Toggle()
	c.logger.Info("撮影モードを切り替えました", zap.Stringer("mode", c.mode))
	return c.mode, nil
}

// CapturePhoto は静止画を撮影する
//
// 呼び出しはブロックしない。結果は返されたチャンネルとNotifierに一度だけ配送される
func (c *Controller) CapturePhoto(session *Session, path string) (<-chan Result, error) {
	if c.mode != ModePhoto {
		return nil, ErrWrongMode
	}
	if session == nil || session.Still == nil {
		c.logger.DPanic("未バインドのセッションで撮影が要求されました")
		return nil, ErrSessionNotBound
	}

	req := newCaptureRequest(CapturePhoto, path)
	still := session.Still
	result := make(chan Result, 1)

	err := c.cam.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
		defer cancel()

		res := Result{Request: req}
		if err := still.Capture(ctx, req); err != nil {
			res.Err = captureFailed("静止画の書き込み", err)
		} else {
			res.Location = c.publish(req.Path)
		}

		c.postToUI(func() { c.deliverPhoto(res, result) }, func() { result <- res })
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("静止画の撮影を要求しました", zap.String("request_id", req.ID))
	return result, nil
}

// StartRecording は録画を開始する
//
// 状態は直ちにRECORDINGになる。開始失敗や書き込み中のエラーはIDLEに戻してCaptureFailedを通知する
func (c *Controller) StartRecording(session *Session, path string) (<-chan Result, error) {
	if c.mode != ModeVideo {
		return nil, ErrWrongMode
	}
	if c.state == StateRecording {
		return nil, ErrRecordingActive
	}
	if session == nil || session.Video == nil {
		c.logger.DPanic("未バインドのセッションで録画が要求されました")
		return nil, ErrSessionNotBound
	}

	c.gen++
	rec := &uiRecording{
		gen:    c.gen,
		req:    newCaptureRequest(CaptureVideo, path),
		result: make(chan Result, 1),
	}
	video := session.Video

	err := c.cam.Submit(func() { c.startOnCamera(video, rec.gen, rec.req) })
	if err != nil {
		return nil, err
	}

	c.state = StateRecording
	c.current = rec
	c.logger.Info("録画を開始しました",
		zap.String("request_id", rec.req.ID),
		zap.String("path", rec.req.Path),
	)

	return rec.result, nil
}

// StopRecording は録画を停止する。IDLEの場合は何もせずfalseを返す
//
// 状態は直ちにIDLEになる。ファイルの確定はカメラ用エグゼキューターで行われるため、
// この後に投入されたバインドはファイルのクローズ後に実行される
func (c *Controller) StopRecording() bool {
	if c.state == StateIdle {
		return false
	}

	c.state = StateIdle
	gen := c.current.gen

	if err := c.cam.Submit(func() { c.finalizeOnCamera(gen) }); err != nil {
		c.logger.Error("録画の確定を投入できませんでした", zap.Error(err))
		c.finishRecording(gen, Result{Request: c.current.req, Err: captureFailed("録画の確定", err)})
		return true
	}

	c.logger.Info("録画を停止しました", zap.String("request_id", c.current.req.ID))
	return true
}

// startOnCamera はカメラ用エグゼキューター上で録画を開始する
func (c *Controller) startOnCamera(video VideoPipeline, gen uint64, req CaptureRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	onError := func(err error) {
		// 書き込み中のエラーは任意のゴルーチンから届く
		_ = c.cam.Submit(func() {
			if c.recording != nil && c.recording.gen == gen {
				c.recording = nil
			}
		})
		res := Result{Request: req, Err: captureFailed("録画の書き込み", err)}
		c.postToUI(func() { c.finishRecording(gen, res) }, nil)
	}

	rec, err := video.StartRecording(ctx, req, onError)
	if err != nil {
		res := Result{Request: req, Err: captureFailed("録画の開始", err)}
		c.postToUI(func() { c.finishRecording(gen, res) }, nil)
		return
	}

	c.recording = &camRecording{gen: gen, req: req, rec: rec}
}

// finalizeOnCamera はカメラ用エグゼキューター上で録画ファイルを確定する
func (c *Controller) finalizeOnCamera(gen uint64) {
	if c.recording == nil || c.recording.gen != gen {
		// 開始に失敗したか、書き込みエラーで既に終了している
		return
	}

	active := c.recording
	c.recording = nil

	res := Result{Request: active.req}
	if err := active.rec.Stop(); err != nil {
		res.Err = captureFailed("録画の確定", err)
	} else {
		res.Location = c.publish(active.req.Path)
	}

	c.postToUI(func() { c.finishRecording(gen, res) }, nil)
}

// finishRecording はUIループ上で録画結果を一度だけ配送する
func (c *Controller) finishRecording(gen uint64, res Result) {
	rec := c.current
	if rec == nil || rec.gen != gen || rec.delivered {
		return
	}
	rec.delivered = true

	failedWhileRecording := c.state == StateRecording && res.Err != nil
	if failedWhileRecording {
		c.state = StateIdle
	}

	rec.result <- res
	if failedWhileRecording && c.onIdle != nil {
		defer c.onIdle()
	}

	if res.Err != nil {
		c.logger.Warn("録画に失敗しました", zap.String("request_id", res.Request.ID), zap.Error(res.Err))
		c.notifier.CaptureFailed(res.Request, res.Err)
		return
	}
	c.logger.Info("動画を保存しました", zap.String("uri", res.Location.URI))
	c.notifier.VideoSaved(res.Location)
}

// deliverPhoto はUIループ上で静止画の結果を配送する
func (c *Controller) deliverPhoto(res Result, result chan Result) {
	result <- res

	if res.Err != nil {
		c.logger.Warn("静止画の撮影に失敗しました", zap.String("request_id", res.Request.ID), zap.Error(res.Err))
		c.notifier.CaptureFailed(res.Request, res.Err)
		return
	}
	c.logger.Info("静止画を保存しました", zap.String("uri", res.Location.URI))
	c.notifier.PhotoSaved(res.Location)
}

// publish は保存先を確定し、Publisherがあれば公開する
func (c *Controller) publish(path string) SavedLocation {
	loc := SavedLocation{Path: path, URI: fileURI(path)}
	if c.publisher == nil {
		return loc
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	published, err := c.publisher.Publish(ctx, loc)
	if err != nil {
		// ローカルファイルは保存済みなので失敗扱いにはしない
		c.logger.Warn("保存ファイルの公開に失敗しました", zap.String("path", path), zap.Error(err))
		return loc
	}
	return published
}

// postToUI はUIループへ継続を投入する。UIループが停止済みの場合はfallbackを直接実行する
func (c *Controller) postToUI(fn func(), fallback func()) {
	if err := c.ui.Submit(fn); err != nil {
		c.logger.Warn("UIループへの配送に失敗しました", zap.Error(err))
		if fallback != nil {
			fallback()
		}
	}
}

func newCaptureRequest(kind CaptureKind, path string) CaptureRequest {
	return CaptureRequest{
		ID:          uuid.New().String(),
		Kind:        kind,
		Path:        path,
		RequestedAt: time.Now(),
	}
}

// fileURI は絶対パスからfile:// URIを作成する
func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String()
}
