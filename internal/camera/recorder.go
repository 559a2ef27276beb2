package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// recorderStopTimeout はffmpegの終了を待つ時間。超えた場合はプロセスを終了させる
const recorderStopTimeout = 30 * time.Second

// FFmpegRecorder はJPEGフレームをffmpegへ渡してMP4ファイルを書き出す
type FFmpegRecorder struct {
	path    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  syncBuffer
	frames  chan []byte
	onError func(error)
	logger  *zap.Logger

	stopTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.Mutex
	failed   bool
	dropped  int
}

// StartFFmpegRecorder はffmpegを起動して録画を開始する
func StartFFmpegRecorder(path string, fps, quality int, onError func(error), logger *zap.Logger) (*FFmpegRecorder, error) {
	if fps <= 0 {
		fps = 15
	}
	cmd := exec.Command("ffmpeg", recorderArgs(path, fps, quality)...)
	return startRecorder(cmd, path, fps, onError, logger)
}

// startRecorder はcmdの標準入力へフレームを書き込む録画を開始する
func startRecorder(cmd *exec.Cmd, path string, fps int, onError func(error), logger *zap.Logger) (*FFmpegRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &FFmpegRecorder{
		path:        path,
		cmd:         cmd,
		frames:      make(chan []byte, 2*fps),
		onError:     onError,
		logger:      logger,
		stopTimeout: recorderStopTimeout,
	}
	cmd.Stderr = &r.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}
	r.stdin = stdin

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	r.wg.Add(1)
	go r.writeFrames()

	return r, nil
}

// syncBuffer はffmpegのstderrを複数のゴルーチンから読み書きするためのバッファ
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func recorderArgs(path string, fps, quality int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(fps),
		"-c:v", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", qualityToCRF(quality),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", // 上書き許可
		path,
	}
}

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
func qualityToCRF(quality int) string {
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

// WriteFrame はフレームをキューに入れる。書き込みが追いつかない場合は破棄する
func (r *FFmpegRecorder) WriteFrame(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frames == nil {
		return
	}
	select {
	case r.frames <- frame:
	default:
		r.dropped++
	}
}

// writeFrames はキューのフレームをffmpegの標準入力へ書き込む
func (r *FFmpegRecorder) writeFrames() {
	defer r.wg.Done()

	for frame := range r.frames {
		if r.hasFailed() {
			continue
		}
		if _, err := r.stdin.Write(frame); err != nil {
			r.fail(fmt.Errorf("ffmpegへの書き込みに失敗: %w (stderr: %s)", err, r.stderr.String()))
		}
	}
}

func (r *FFmpegRecorder) hasFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *FFmpegRecorder) fail(err error) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return
	}
	r.failed = true
	r.mu.Unlock()

	if r.onError != nil {
		r.onError(err)
	}
}

// Stop は入力を閉じてffmpegの終了を待つ。ファイルはこの時点で確定している
func (r *FFmpegRecorder) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		frames := r.frames
		r.frames = nil
		dropped := r.dropped
		r.mu.Unlock()

		close(frames)

		// 書き込み中のフレームが残っていても待ち時間はstopTimeoutで打ち切る
		done := make(chan error, 1)
		go func() {
			r.wg.Wait()
			if closeErr := r.stdin.Close(); closeErr != nil {
				r.logger.Debug("stdinのクローズに失敗しました", zap.Error(closeErr))
			}
			done <- r.cmd.Wait()
		}()

		select {
		case waitErr := <-done:
			if waitErr != nil {
				err = fmt.Errorf("動画の確定に失敗: %w (stderr: %s)", waitErr, r.stderr.String())
			}
		case <-time.After(r.stopTimeout):
			// 停止後の書き込みエラーは録画失敗として通知しない
			r.mu.Lock()
			r.failed = true
			r.mu.Unlock()

			_ = r.cmd.Process.Kill()
			<-done
			err = fmt.Errorf("動画の確定がタイムアウトしました: %s", r.path)
		}

		if dropped > 0 {
			r.logger.Warn("録画中にフレームを破棄しました", zap.String("path", r.path), zap.Int("dropped", dropped))
		}
	})
	return err
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}

	return nil
}
