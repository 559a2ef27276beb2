package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable はセンサーが使用中・不在・拒否のいずれか
	ErrDeviceUnavailable = errors.New("カメラデバイスが利用できません")

	// ErrPipelineConflict はデバイスがパイプライン構成を受け付けなかった
	ErrPipelineConflict = errors.New("パイプラインの構成に失敗しました")

	// ErrPermissionDenied は権限が得られなかった
	ErrPermissionDenied = errors.New("カメラの権限がありません")

	// ErrSessionNotBound はバインドされていないセッションに対する操作
	ErrSessionNotBound = errors.New("セッションがバインドされていません")

	// ErrCaptureFailed は撮影・録画の書き込み失敗
	ErrCaptureFailed = errors.New("キャプチャに失敗しました")

	// ErrWrongMode は現在のモードでは実行できない操作
	ErrWrongMode = errors.New("現在の撮影モードでは実行できません")

	// ErrRecordingActive は録画中には実行できない操作
	ErrRecordingActive = errors.New("録画中です")

	// ErrInvalidViewport は幅または高さが1未満のビューポート
	ErrInvalidViewport = errors.New("無効なビューポートサイズ")

	// ErrExecutorClosed は停止済みエグゼキューターへの投入
	ErrExecutorClosed = errors.New("エグゼキューターは停止しています")
)

// CaptureError は書き込み失敗の理由を保持する
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("キャプチャに失敗しました: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("キャプチャに失敗しました: %s", e.Reason)
}

// Is はErrCaptureFailedとの比較を可能にする
func (e *CaptureError) Is(target error) bool {
	return target == ErrCaptureFailed
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// captureFailed はCaptureErrorを作成する
func captureFailed(reason string, err error) error {
	return &CaptureError{Reason: reason, Err: err}
}
