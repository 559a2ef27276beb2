package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// PermissionResult は権限要求の結果
type PermissionResult int

const (
	PermissionGranted           PermissionResult = iota // 許可
	PermissionDenied                                    // 拒否（再要求可能）
	PermissionDeniedPermanently                         // 拒否（再要求不可）
)

func (r PermissionResult) String() string {
	switch r {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionDeniedPermanently:
		return "denied_permanently"
	default:
		return fmt.Sprintf("permission(%d)", int(r))
	}
}

// DefaultCapabilities は撮影に必要な権限
var DefaultCapabilities = []string{"camera", "microphone", "storage"}

// PermissionGate は外部の権限要求フロー
type PermissionGate interface {
	// Request は権限を要求し、結果を返す
	Request(ctx context.Context, caps []string) (PermissionResult, error)

	// OpenSettings はユーザーを設定画面へ誘導する
	OpenSettings(ctx context.Context) error
}

// RetryPolicy は権限要求の再試行設定
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy はデフォルトの再試行設定を返す
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxRetries:      3,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Authorize は権限が得られるまで要求を繰り返す
//
// 拒否された場合はバックオフして再要求する。再要求不可の拒否では設定画面へ誘導し
// ErrPermissionDeniedを返す
func Authorize(ctx context.Context, gate PermissionGate, caps []string, policy RetryPolicy, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("permission")

	attempt := 0
	operation := func() error {
		attempt++

		result, err := gate.Request(ctx, caps)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("権限要求に失敗: %w", err))
		}

		switch result {
		case PermissionGranted:
			return nil
		case PermissionDeniedPermanently:
			return backoff.Permanent(errDeniedPermanently)
		default:
			logger.Warn("権限が拒否されました。再要求します", zap.Int("attempt", attempt))
			return ErrPermissionDenied
		}
	}

	err := backoff.Retry(operation, policy.backOff(ctx))
	if err == nil {
		logger.Info("権限が許可されました", zap.Strings("capabilities", caps))
		return nil
	}

	if errors.Is(err, errDeniedPermanently) {
		logger.Warn("権限が恒久的に拒否されました。設定画面へ誘導します")
		if settingsErr := gate.OpenSettings(ctx); settingsErr != nil {
			logger.Error("設定画面を開けませんでした", zap.Error(settingsErr))
		}
		return fmt.Errorf("再要求できません: %w", ErrPermissionDenied)
	}
	if errors.Is(err, ErrPermissionDenied) {
		return fmt.Errorf("%d回の要求がすべて拒否されました: %w", attempt, ErrPermissionDenied)
	}
	return err
}

var errDeniedPermanently = errors.New("権限が恒久的に拒否されました")

// StaticGate は設定で決まった結果を返すPermissionGate
type StaticGate struct {
	granted bool
	logger  *zap.Logger
}

// NewStaticGate は新しいStaticGateを作成する
func NewStaticGate(granted bool, logger *zap.Logger) *StaticGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticGate{granted: granted, logger: logger.Named("gate")}
}

// Request は設定された結果を返す
func (g *StaticGate) Request(_ context.Context, caps []string) (PermissionResult, error) {
	if g.granted {
		return PermissionGranted, nil
	}
	g.logger.Warn("設定により権限は拒否されています", zap.Strings("capabilities", caps))
	return PermissionDeniedPermanently, nil
}

// OpenSettings は設定の変更方法をログに出力する
func (g *StaticGate) OpenSettings(_ context.Context) error {
	g.logger.Info("camera.permission_granted を true に設定してください")
	return nil
}

// MockGate は決められた順に結果を返すテスト用のPermissionGate
type MockGate struct {
	mu       sync.Mutex
	results  []PermissionResult
	requests int
	settings int
}

// NewMockGate は新しいMockGateを作成する。結果を使い切った後は最後の結果を返し続ける
func NewMockGate(results ...PermissionResult) *MockGate {
	if len(results) == 0 {
		results = []PermissionResult{PermissionGranted}
	}
	return &MockGate{results: results}
}

// Request は次の結果を返す
func (g *MockGate) Request(_ context.Context, _ []string) (PermissionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := g.requests
	if idx >= len(g.results) {
		idx = len(g.results) - 1
	}
	g.requests++
	return g.results[idx], nil
}

// OpenSettings は呼び出し回数を記録する
func (g *MockGate) OpenSettings(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings++
	return nil
}

// Requests はRequestの呼び出し回数を返す
func (g *MockGate) Requests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests
}

// SettingsOpened はOpenSettingsの呼び出し回数を返す
func (g *MockGate) SettingsOpened() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settings
}
