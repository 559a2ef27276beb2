package camera

import (
	"sync"

	"go.uber.org/zap"
)

// NopNotifier は何もしないNotifier
type NopNotifier struct{}

func (NopNotifier) PhotoSaved(SavedLocation) {}
func (NopNotifier) VideoSaved(SavedLocation) {}
func (NopNotifier) CaptureFailed(CaptureRequest, error) {}
func (NopNotifier) SessionChanged(SessionInfo) {}
func (NopNotifier) BindFailed(Facing, error) {}

// LogNotifier は通知をログに出力する
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier は新しいLogNotifierを作成する
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

// PhotoSaved は静止画の保存を通知する
func (n *LogNotifier) PhotoSaved(loc SavedLocation) {
	n.logger.Info("写真を保存しました", zap.String("uri", loc.URI))
}

// VideoSaved は動画の保存を通知する
func (n *LogNotifier) VideoSaved(loc SavedLocation) {
	n.logger.Info("動画を保存しました", zap.String("uri", loc.URI))
}

// CaptureFailed は撮影失敗を通知する
func (n *LogNotifier) CaptureFailed(req CaptureRequest, err error) {
	n.logger.Warn("撮影に失敗しました",
		zap.String("request_id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.Error(err),
	)
}

// SessionChanged はセッションの切り替えを通知する
func (n *LogNotifier) SessionChanged(info SessionInfo) {
	n.logger.Info("セッションが切り替わりました",
		zap.String("session_id", info.ID),
		zap.String("facing", info.Facing),
		zap.String("ratio", info.Ratio),
	)
}

// BindFailed はバインド失敗を通知する
func (n *LogNotifier) BindFailed(facing Facing, err error) {
	n.logger.Error("カメラのバインドに失敗しました", zap.Stringer("facing", facing), zap.Error(err))
}

// MultiNotifier は複数のNotifierへ同じ通知を配る
type MultiNotifier []Notifier

func (m MultiNotifier) PhotoSaved(loc SavedLocation) {
	for _, n := range m {
		n.PhotoSaved(loc)
	}
}

func (m MultiNotifier) VideoSaved(loc SavedLocation) {
	for _, n := range m {
		n.VideoSaved(loc)
	}
}

func (m MultiNotifier) CaptureFailed(req CaptureRequest, err error) {
	for _, n := range m {
		n.CaptureFailed(req, err)
	}
}

func (m MultiNotifier) SessionChanged(info SessionInfo) {
	for _, n := range m {
		n.SessionChanged(info)
	}
}

func (m MultiNotifier) BindFailed(facing Facing, err error) {
	for _, n := range m {
		n.BindFailed(facing, err)
	}
}

// RecordingNotifier は受け取った通知を記録するテスト用のNotifier
type RecordingNotifier struct {
	mu       sync.Mutex
	photos   []SavedLocation
	videos   []SavedLocation
	failures []error
	sessions []SessionInfo
	binds    []error

	events chan string
}

// NewRecordingNotifier は新しいRecordingNotifierを作成する
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{events: make(chan string, 64)}
}

// Events は通知の種類を受信順に流すチャンネルを返す
func (r *RecordingNotifier) Events() <-chan string {
	return r.events
}

// Photos は保存された静止画の一覧を返す
func (r *RecordingNotifier) Photos() []SavedLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SavedLocation(nil), r.photos...)
}

// Videos は保存された動画の一覧を返す
func (r *RecordingNotifier) Videos() []SavedLocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SavedLocation(nil), r.videos...)
}

// Failures は撮影失敗の一覧を返す
func (r *RecordingNotifier) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failures...)
}

// Sessions はセッション変更の一覧を返す
func (r *RecordingNotifier) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionInfo(nil), r.sessions...)
}

// BindFailures はバインド失敗の一覧を返す
func (r *RecordingNotifier) BindFailures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.binds...)
}

func (r *RecordingNotifier) PhotoSaved(loc SavedLocation) {
	r.mu.Lock()
	r.photos = append(r.photos, loc)
	r.mu.Unlock()
	r.emit("photo_saved")
}

func (r *RecordingNotifier) VideoSaved(loc SavedLocation) {
	r.mu.Lock()
	r.videos = append(r.videos, loc)
	r.mu.Unlock()
	r.emit("video_saved")
}

func (r *RecordingNotifier) CaptureFailed(_ CaptureRequest, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	r.emit("capture_failed")
}

func (r *RecordingNotifier) SessionChanged(info SessionInfo) {
	r.mu.Lock()
	r.sessions = append(r.sessions, info)
	r.mu.Unlock()
	r.emit("session_changed")
}

func (r *RecordingNotifier) BindFailed(_ Facing, err error) {
	r.mu.Lock()
	r.binds = append(r.binds, err)
	r.mu.Unlock()
	r.emit("bind_failed")
}

func (r *RecordingNotifier) emit(event string) {
	select {
	case r.events <- event:
	default:
	}
}
