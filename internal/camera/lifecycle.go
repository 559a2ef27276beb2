package camera

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const bindTimeout = 15 * time.Second

// Manager はカメラセッションのライフサイクルを管理するインターフェース
type Manager interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error

	SwitchSensor(ctx context.Context) (Facing, error)
	SetRotation(ctx context.Context, rotation Rotation) error
	SetViewport(ctx context.Context, viewport Size) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	ToggleMode(ctx context.Context) (CaptureMode, error)
	CapturePhoto(ctx context.Context) (<-chan Result, error)
	StartRecording(ctx context.Context) (<-chan Result, error)
	StopRecording(ctx context.Context) (bool, error)

	Status(ctx context.Context) (Status, error)
	Preview(ctx context.Context) (<-chan []byte, error)
}

// Options はLifecycleManagerの設定
type Options struct {
	Rotation     Rotation
	Viewport     Size
	Capabilities []string
	Retry        RetryPolicy

	Notifier  Notifier
	Publisher Publisher
}

// Status はマネージャーの状態のスナップショット
type Status struct {
	Authorized      bool         `json:"authorized"`
	Foreground      bool         `json:"foreground"`
	Facing          string       `json:"facing"`
	Mode            string       `json:"mode"`
	Recording       string       `json:"recording"`
	Rotation        int          `json:"rotation"`
	PendingRotation *int         `json:"pending_rotation,omitempty"`
	Binding         bool         `json:"binding"`
	Session         *SessionInfo `json:"session,omitempty"`
}

// bindTicket は1回のバインド要求の結果。doneのクローズで完了を通知する
type bindTicket struct {
	seq  uint64
	done chan struct{}
	err  error
}

func (t *bindTicket) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LifecycleManager はセッションスロットを1つだけ持ち、センサー・向き・撮影モード・
// ライフサイクルの変化に応じて再バインドを行う
//
// 状態遷移はすべてUIループで、デバイスI/Oはカメラ用エグゼキューターで実行する。
// 公開メソッドは呼び出し元のゴルーチンだけをブロックする
type LifecycleManager struct {
	ui         *Executor
	cam        *Executor
	binder     *Binder
	controller *Controller
	gate       PermissionGate
	output     *OutputDirectory
	notifier   Notifier
	opts       Options
	logger     *zap.Logger

	// 以下はUIループ専有
	session         *Session
	facing          Facing
	rotation        Rotation
	viewport        Size
	pendingRotation *Rotation
	pendingViewport *Size
	authorized      bool
	foreground      bool
	bindSeq         uint64
	inflight        *bindTicket
}

var _ Manager = (*LifecycleManager)(nil)

// NewLifecycleManager は新しいLifecycleManagerを作成する
func NewLifecycleManager(layer DeviceLayer, gate PermissionGate, output *OutputDirectory, opts Options, logger *zap.Logger) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = DefaultCapabilities
	}
	if !opts.Viewport.Valid() {
		opts.Viewport = Size{Width: 1080, Height: 1920}
	}

	ui := NewExecutor("ui", logger)
	cam := NewExecutor("camera", logger)

	m := &LifecycleManager{
		ui:         ui,
		cam:        cam,
		binder:     NewBinder(layer, logger),
		controller: NewController(ui, cam, opts.Notifier, opts.Publisher, logger),
		gate:       gate,
		output:     output,
		notifier:   opts.Notifier,
		opts:       opts,
		logger:     logger.Named("lifecycle"),
		facing:     FacingBack,
		rotation:   opts.Rotation,
		viewport:   opts.Viewport,
	}

	// 書き込みエラーで録画が終わった場合も保留中の変更を適用する
	m.controller.onIdle = m.applyPending

	return m
}

// Start は権限を確認し、背面カメラで最初のバインドを行う
func (m *LifecycleManager) Start(ctx context.Context) error {
	if err := Authorize(ctx, m.gate, m.opts.Capabilities, m.opts.Retry, m.logger); err != nil {
		return fmt.Errorf("カメラの権限を取得できません: %w", err)
	}

	ticket, err := call(ctx, m.ui, func() (*bindTicket, error) {
		m.authorized = true
		m.foreground = true
		m.facing = FacingBack
		return m.rebind(), nil
	})
	if err != nil {
		return err
	}

	return ticket.wait(ctx)
}

// Shutdown は録画を停止し、セッションを解放してエグゼキューターを停止する
func (m *LifecycleManager) Shutdown(ctx context.Context) error {
	_, err := call(ctx, m.ui, func() (struct{}, error) {
		m.controller.StopRecording()
		m.authorized = false
		m.session = nil
		m.bindSeq++

		return struct{}{}, m.cam.Submit(func() {
			if err := m.binder.Unbind(); err != nil {
				m.logger.Warn("セッションの解放に失敗しました", zap.Error(err))
			}
		})
	})
	if err != nil {
		m.logger.Warn("シャットダウン処理の投入に失敗しました", zap.Error(err))
	}

	// カメラ側が投入する継続を受け取るため、UIループは後で止める
	if err := m.cam.Shutdown(ctx); err != nil {
		return err
	}
	if err := m.ui.Shutdown(ctx); err != nil {
		return err
	}

	m.logger.Info("カメラセッションを停止しました")
	return nil
}

// SwitchSensor は反対側のセンサーへ切り替える。録画中の場合は先に録画を停止する
func (m *LifecycleManager) SwitchSensor(ctx context.Context) (Facing, error) {
	var facing Facing
	ticket, err := call(ctx, m.ui, func() (*bindTicket, error) {
		if !m.authorized {
			return nil, ErrPermissionDenied
		}

		// 確定ジョブはこの後のバインドより先にカメラ用エグゼキューターで実行される
		if m.controller.StopRecording() {
			m.logger.Info("センサー切り替えのため録画を停止しました")
		}
		m.takePending()

		m.facing = m.facing.Opposite()
		facing = m.facing
		return m.rebind(), nil
	})
	if err != nil {
		return facing, err
	}

	return facing, ticket.wait(ctx)
}

// SetRotation はディスプレイの回転を変更する
//
// 同じ回転なら何もしない。録画中は保留し、録画停止後に適用する
func (m *LifecycleManager) SetRotation(ctx context.Context, rotation Rotation) error {
	ticket, err := call(ctx, m.ui, func() (*bindTicket, error) {
		if m.controller.State() == StateRecording {
			if rotation == m.rotation {
				m.pendingRotation = nil
			} else {
				m.pendingRotation = &rotation
				m.logger.Info("録画中のため回転の変更を保留しました", zap.Int("rotation", rotation.Degrees()))
			}
			return nil, nil
		}

		if rotation == m.rotation {
			return nil, nil
		}

		m.rotation = rotation
		return m.rebindIfActive(), nil
	})
	if err != nil || ticket == nil {
		return err
	}

	return ticket.wait(ctx)
}

// SetViewport はビューポートの大きさを変更する。アスペクト比が変わる場合は再バインドする
func (m *LifecycleManager) SetViewport(ctx context.Context, viewport Size) error {
	if !viewport.Valid() {
		return fmt.Errorf("%s: %w", viewport, ErrInvalidViewport)
	}

	ticket, err := call(ctx, m.ui, func() (*bindTicket, error) {
		if m.controller.State() == StateRecording {
			m.pendingViewport = &viewport
			return nil, nil
		}

		changed := SelectAspectRatio(viewport.Width, viewport.Height) != SelectAspectRatio(m.viewport.Width, m.viewport.Height)
		m.viewport = viewport

		if !changed && m.session != nil {
			return nil, nil
		}
		return m.rebindIfActive(), nil
	})
	if err != nil || ticket == nil {
		return err
	}

	return ticket.wait(ctx)
}

// Pause はバックグラウンドへの移行を処理する。録画は停止するがバインドは維持する
func (m *LifecycleManager) Pause(ctx context.Context) error {
	_, err := call(ctx, m.ui, func() (struct{}, error) {
		m.foreground = false
		if m.controller.StopRecording() {
			m.logger.Info("バックグラウンドへの移行のため録画を停止しました")
			m.applyPending()
		}
		return struct{}{}, nil
	})
	return err
}

// Resume はフォアグラウンドへの復帰を処理する
//
// セッションがない場合やデバイス層がアクセス権を取り消した場合は再バインドする
func (m *LifecycleManager) Resume(ctx context.Context) error {
	ticket, err := call(ctx, m.ui, func() (*bindTicket, error) {
		m.foreground = true
		if !m.authorized {
			return nil, nil
		}

		if m.session != nil && !m.session.Revoked() {
			return nil, nil
		}

		// 進行中のバインドがあればその結果を待つ
		if m.session == nil && m.inflight != nil && m.inflight.seq == m.bindSeq {
			select {
			case <-m.inflight.done:
			default:
				return m.inflight, nil
			}
		}

		// 取り消されたデバイス上の録画は確定してから開き直す
		if m.controller.StopRecording() {
			m.logger.Info("セッション再構築のため録画を停止しました")
		}
		m.takePending()

		m.logger.Info("セッションを再構築します", zap.Stringer("facing", m.facing))
		return m.rebind(), nil
	})
	if err != nil || ticket == nil {
		return err
	}

	return ticket.wait(ctx)
}

// ToggleMode は撮影モードを切り替える
func (m *LifecycleManager) ToggleMode(ctx context.Context) (CaptureMode, error) {
	return call(ctx, m.ui, func() (CaptureMode, error) {
		return m.controller.ToggleMode()
	})
}

// CapturePhoto は静止画を撮影する
func (m *LifecycleManager) CapturePhoto(ctx context.Context) (<-chan Result, error) {
	path, err := m.newFilePath(PhotoExtension)
	if err != nil {
		return nil, err
	}

	return call(ctx, m.ui, func() (<-chan Result, error) {
		if m.controller.Mode() != ModePhoto {
			return nil, ErrWrongMode
		}
		if m.session == nil {
			return nil, ErrSessionNotBound
		}
		return m.controller.CapturePhoto(m.session, path)
	})
}

// StartRecording は録画を開始する
func (m *LifecycleManager) StartRecording(ctx context.Context) (<-chan Result, error) {
	path, err := m.newFilePath(VideoExtension)
	if err != nil {
		return nil, err
	}

	return call(ctx, m.ui, func() (<-chan Result, error) {
		if m.controller.Mode() != ModeVideo {
			return nil, ErrWrongMode
		}
		if m.controller.State() == StateRecording {
			return nil, ErrRecordingActive
		}
		if m.session == nil {
			return nil, ErrSessionNotBound
		}
		return m.controller.StartRecording(m.session, path)
	})
}

// StopRecording は録画を停止する。録画中でなければfalseを返す
func (m *LifecycleManager) StopRecording(ctx context.Context) (bool, error) {
	return call(ctx, m.ui, func() (bool, error) {
		if !m.controller.StopRecording() {
			return false, nil
		}
		m.applyPending()
		return true, nil
	})
}

// Status は現在の状態を返す
func (m *LifecycleManager) Status(ctx context.Context) (Status, error) {
	return call(ctx, m.ui, func() (Status, error) {
		status := Status{
			Authorized: m.authorized,
			Foreground: m.foreground,
			Facing:     m.facing.String(),
			Mode:       m.controller.Mode().String(),
			Recording:  m.controller.State().String(),
			Rotation:   m.rotation.Degrees(),
		}
		if m.pendingRotation != nil {
			deg := m.pendingRotation.Degrees()
			status.PendingRotation = &deg
		}
		if m.inflight != nil {
			select {
			case <-m.inflight.done:
			default:
				status.Binding = true
			}
		}
		if m.session != nil {
			info := m.session.Info()
			status.Session = &info
		}
		return status, nil
	})
}

// Preview は現在のセッションのプレビューフレームを返す
func (m *LifecycleManager) Preview(ctx context.Context) (<-chan []byte, error) {
	return call(ctx, m.ui, func() (<-chan []byte, error) {
		if m.session == nil || m.session.Preview == nil {
			return nil, ErrSessionNotBound
		}
		return m.session.Preview.Frames(), nil
	})
}

// rebind は現在のセンサー・回転・ビューポートでバインドを要求する（UIループ上で呼ぶ）
//
// 録画中のセッションは置き換えない。呼び出し側で録画を停止していなければ、
// ここで停止して確定ジョブをバインドより先に投入する
func (m *LifecycleManager) rebind() *bindTicket {
	if m.controller.StopRecording() {
		m.logger.DPanic("録画中に再バインドが要求されました", zap.Stringer("facing", m.facing))
		m.takePending()
	}

	m.bindSeq++
	ticket := &bindTicket{seq: m.bindSeq, done: make(chan struct{})}
	m.inflight = ticket

	// 置き換え中のセッションは使わせない
	m.session = nil

	facing, rotation, viewport := m.facing, m.rotation, m.viewport
	err := m.cam.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
		defer cancel()

		session, err := m.binder.Bind(ctx, facing, rotation, viewport)
		if submitErr := m.ui.Submit(func() { m.bindDone(ticket, facing, session, err) }); submitErr != nil {
			ticket.err = err
			close(ticket.done)
		}
	})
	if err != nil {
		ticket.err = err
		close(ticket.done)
	}

	return ticket
}

// rebindIfActive は権限があるときだけ再バインドする
func (m *LifecycleManager) rebindIfActive() *bindTicket {
	if !m.authorized {
		return nil
	}
	return m.rebind()
}

// bindDone はUIループ上でバインド結果を反映する
func (m *LifecycleManager) bindDone(ticket *bindTicket, facing Facing, session *Session, err error) {
	ticket.err = err
	defer close(ticket.done)

	// 後続のバインドが要求されていれば、この結果は反映しない
	latest := ticket.seq == m.bindSeq

	if err != nil {
		if latest {
			m.session = nil
			m.notifier.BindFailed(facing, err)
		}
		return
	}

	if !latest {
		m.logger.Debug("古いバインド結果を破棄しました", zap.String("session_id", session.ID))
		return
	}

	m.session = session
	m.notifier.SessionChanged(session.Info())
}

// takePending は保留中の変更を現在の値に反映する。変更があればtrueを返す
func (m *LifecycleManager) takePending() bool {
	changed := false
	if m.pendingRotation != nil {
		if *m.pendingRotation != m.rotation {
			m.rotation = *m.pendingRotation
			changed = true
		}
		m.pendingRotation = nil
	}
	if m.pendingViewport != nil {
		if SelectAspectRatio(m.pendingViewport.Width, m.pendingViewport.Height) != SelectAspectRatio(m.viewport.Width, m.viewport.Height) {
			changed = true
		}
		m.viewport = *m.pendingViewport
		m.pendingViewport = nil
	}
	return changed
}

// applyPending は録画停止後に保留中の変更を適用する
func (m *LifecycleManager) applyPending() {
	if m.takePending() {
		m.logger.Info("保留中の変更を適用します", zap.Int("rotation", m.rotation.Degrees()))
		m.rebindIfActive()
	}
}

// newFilePath は保存先のファイルパスを作成する
func (m *LifecycleManager) newFilePath(ext string) (string, error) {
	return m.output.NewFilePath(time.Now(), ext)
}
