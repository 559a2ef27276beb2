package camera

import (
	"context"
	"fmt"
	"time"
)

// Facing はセンサーの向きを表す
type Facing int

const (
	FacingBack  Facing = iota // 背面カメラ
	FacingFront               // 前面カメラ
)

// Opposite は反対側のセンサーを返す
func (f Facing) Opposite() Facing {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	default:
		return fmt.Sprintf("facing(%d)", int(f))
	}
}

// ParseFacing は文字列からFacingを取得する
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "back", "BACK":
		return FacingBack, nil
	case "front", "FRONT":
		return FacingFront, nil
	default:
		return FacingBack, fmt.Errorf("不明なセンサー指定: %q", s)
	}
}

// AspectRatio はパイプラインのアスペクト比の区分
type AspectRatio int

const (
	Ratio4x3  AspectRatio = iota // 4:3
	Ratio16x9                    // 16:9
)

const (
	ratio4x3Value  = 4.0 / 3.0
	ratio16x9Value = 16.0 / 9.0
)

// Value は比率を実数で返す
func (r AspectRatio) Value() float64 {
	if r == Ratio16x9 {
		return ratio16x9Value
	}
	return ratio4x3Value
}

func (r AspectRatio) String() string {
	if r == Ratio16x9 {
		return "16:9"
	}
	return "4:3"
}

// Rotation はディスプレイの回転（90度単位）
type Rotation int

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// RotationFromDegrees は角度からRotationを取得する
func RotationFromDegrees(deg int) (Rotation, error) {
	switch deg {
	case 0:
		return Rotation0, nil
	case 90:
		return Rotation90, nil
	case 180:
		return Rotation180, nil
	case 270:
		return Rotation270, nil
	default:
		return Rotation0, fmt.Errorf("無効な回転角度: %d", deg)
	}
}

// Degrees は回転角度を返す
func (r Rotation) Degrees() int {
	return int(r) * 90
}

// Sideways は縦横が入れ替わる回転かどうかを返す
func (r Rotation) Sideways() bool {
	return r == Rotation90 || r == Rotation270
}

func (r Rotation) String() string {
	return fmt.Sprintf("%d°", r.Degrees())
}

// Size はビューポートやフレームの大きさ
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Valid は幅と高さがともに1以上かを返す
func (s Size) Valid() bool {
	return s.Width >= 1 && s.Height >= 1
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// CaptureMode は撮影モード
type CaptureMode int

const (
	ModePhoto CaptureMode = iota // 静止画
	ModeVideo                    // 動画
)

// Toggle は反対のモードを返す
func (m CaptureMode) Toggle() CaptureMode {
	if m == ModePhoto {
		return ModeVideo
	}
	return ModePhoto
}

func (m CaptureMode) String() string {
	if m == ModeVideo {
		return "video"
	}
	return "photo"
}

// RecordingState は録画状態
type RecordingState int

const (
	StateIdle      RecordingState = iota // 待機中
	StateRecording                       // 録画中
)

func (s RecordingState) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// PipelineKind はパイプラインの種類
type PipelineKind int

const (
	PipelinePreview PipelineKind = iota // プレビュー
	PipelineStill                       // 静止画
	PipelineVideo                       // 動画
)

func (k PipelineKind) String() string {
	switch k {
	case PipelinePreview:
		return "preview"
	case PipelineStill:
		return "still"
	case PipelineVideo:
		return "video"
	default:
		return fmt.Sprintf("pipeline(%d)", int(k))
	}
}

// PipelineSpec はデバイス層に渡すパイプライン記述子
type PipelineSpec struct {
	Kind     PipelineKind
	Ratio    AspectRatio
	Rotation Rotation
	Mirror   bool // 前面カメラの静止画は左右反転する
}

// CaptureKind はキャプチャ要求の種類
type CaptureKind string

const (
	CapturePhoto CaptureKind = "photo"
	CaptureVideo CaptureKind = "video"
)

// CaptureRequest は撮影・録画1回分の不変な要求
type CaptureRequest struct {
	ID          string
	Kind        CaptureKind
	Path        string
	RequestedAt time.Time
}

// SavedLocation は保存されたファイルの場所
type SavedLocation struct {
	Path string `json:"path"`
	URI  string `json:"uri"`
}

// Result は撮影完了時に一度だけ配送される結果
type Result struct {
	Request  CaptureRequest
	Location SavedLocation
	Err      error
}

// OK は成功した結果かどうかを返す
func (r Result) OK() bool {
	return r.Err == nil
}

// DeviceLayer はカメラデバイスへの排他アクセスを提供するドライバ層
type DeviceLayer interface {
	// Open は指定されたセンサーを排他的に確保する
	Open(ctx context.Context, facing Facing) (Device, error)
}

// Device は確保済みのカメラデバイス
type Device interface {
	// Configure はパイプライン記述子に従ってパイプラインを構築する
	Configure(ctx context.Context, specs []PipelineSpec) (Pipelines, error)

	// Revoked はデバイス層がアクセス権を取り消したかどうかを返す
	Revoked() bool

	// Close はデバイスを解放する
	Close() error
}

// Pipelines はデバイス層が構築した3つのパイプライン
type Pipelines struct {
	Preview PreviewPipeline
	Still   StillPipeline
	Video   VideoPipeline
}

// PreviewPipeline はプレビュー用のJPEGフレームを供給する
type PreviewPipeline interface {
	Frames() <-chan []byte
}

// StillPipeline は静止画をJPEGファイルとして書き出す
type StillPipeline interface {
	Capture(ctx context.Context, req CaptureRequest) error
}

// VideoPipeline は動画をMP4ファイルとして書き出す
type VideoPipeline interface {
	// StartRecording は録画を開始する。書き込み中の失敗はonErrorで通知される
	StartRecording(ctx context.Context, req CaptureRequest, onError func(error)) (Recording, error)
}

// Recording は進行中の録画
type Recording interface {
	// Stop はファイルをフラッシュしてクローズするまでブロックする
	Stop() error
}

// Session は1回のバインドで構築された構成
type Session struct {
	ID       string
	Facing   Facing
	Ratio    AspectRatio
	Rotation Rotation
	Viewport Size
	BoundAt  time.Time

	Preview PreviewPipeline
	Still   StillPipeline
	Video   VideoPipeline

	device Device
}

// SessionInfo はステータス表示用のセッション情報
type SessionInfo struct {
	ID       string    `json:"id"`
	Facing   string    `json:"facing"`
	Ratio    string    `json:"ratio"`
	Rotation int       `json:"rotation"`
	Viewport Size      `json:"viewport"`
	BoundAt  time.Time `json:"bound_at"`
}

// Info はセッション情報のスナップショットを返す
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:       s.ID,
		Facing:   s.Facing.String(),
		Ratio:    s.Ratio.String(),
		Rotation: s.Rotation.Degrees(),
		Viewport: s.Viewport,
		BoundAt:  s.BoundAt,
	}
}

// Revoked はセッションのデバイスが失効しているかを返す
func (s *Session) Revoked() bool {
	return s.device == nil || s.device.Revoked()
}

// Notifier はUIへの通知を受け取る。呼び出しは常にUIループ上で行われる
type Notifier interface {
	PhotoSaved(loc SavedLocation)
	VideoSaved(loc SavedLocation)
	CaptureFailed(req CaptureRequest, err error)
	SessionChanged(info SessionInfo)
	BindFailed(facing Facing, err error)
}

// Publisher は保存されたファイルを外部へ公開する
type Publisher interface {
	Publish(ctx context.Context, loc SavedLocation) (SavedLocation, error)
}
