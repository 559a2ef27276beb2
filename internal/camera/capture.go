package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"go.uber.org/zap"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// V4L2Capturer はffmpeg経由でV4L2デバイスからMJPEGストリームを取得する
type V4L2Capturer struct {
	devicePath string
	size       Size
	rotation   Rotation
	fps        int
	logger     *zap.Logger
}

// NewV4L2Capturer は新しいV4L2Capturerを作成する
//
// sizeは回転後のフレームの大きさ。デバイスへは回転前の大きさで要求する
func NewV4L2Capturer(devicePath string, size Size, rotation Rotation, fps int, logger *zap.Logger) *V4L2Capturer {
	return &V4L2Capturer{
		devicePath: devicePath,
		size:       size,
		rotation:   rotation,
		fps:        fps,
		logger:     logger,
	}
}

// args はffmpegの引数を組み立てる
func (c *V4L2Capturer) args() []string {
	input := c.size
	if c.rotation.Sideways() {
		input = Size{Width: c.size.Height, Height: c.size.Width}
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", input.String(),
		"-framerate", strconv.Itoa(c.fps),
		"-i", c.devicePath,
	}
	if filter := rotationFilter(c.rotation); filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// rotationFilter は回転に対応するffmpegのフィルタを返す
func rotationFilter(r Rotation) string {
	switch r {
	case Rotation90:
		return "transpose=1"
	case Rotation180:
		return "transpose=1,transpose=1"
	case Rotation270:
		return "transpose=2"
	default:
		return ""
	}
}

// Stream はctxがキャンセルされるかffmpegが終了するまでフレームをonFrameへ渡す
//
// ctxのキャンセル以外で終了した場合はエラーを返す
func (c *V4L2Capturer) Stream(ctx context.Context, onFrame func([]byte)) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", c.args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	// stderrを別goroutineで読み取り
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.logger.Debug("ffmpeg", zap.String("device", c.devicePath), zap.String("line", scanner.Text()))
		}
	}()

	readErr := splitJPEG(stdout, onFrame)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("フレーム読み取りエラー: %w", readErr)
	}
	if waitErr != nil {
		return fmt.Errorf("ffmpegが異常終了しました: %w", waitErr)
	}
	return fmt.Errorf("ffmpegのストリームが終了しました: %s", c.devicePath)
}

// splitJPEG はJPEGのSOI/EOIマーカーでストリームを分割する
func splitJPEG(r io.Reader, onFrame func([]byte)) error {
	buffer := make([]byte, 256*1024)
	var frameBuffer bytes.Buffer

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			frameBuffer.Write(buffer[:n])
			emitFrames(&frameBuffer, onFrame)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// emitFrames はバッファ内の完全なフレームを取り出す
func emitFrames(frameBuffer *bytes.Buffer, onFrame func([]byte)) {
	data := frameBuffer.Bytes()
	consumed := 0

	for {
		startIdx := bytes.Index(data[consumed:], jpegStart)
		if startIdx == -1 {
			// 開始マーカーがなければ末尾1バイトだけ残す
			if len(data)-consumed > 1 {
				consumed = len(data) - 1
			}
			break
		}
		startIdx += consumed

		endIdx := bytes.Index(data[startIdx+2:], jpegEnd)
		if endIdx == -1 {
			consumed = startIdx
			break
		}
		endIdx += startIdx + 2 + 2

		frame := make([]byte, endIdx-startIdx)
		copy(frame, data[startIdx:endIdx])
		onFrame(frame)

		consumed = endIdx
	}

	remaining := make([]byte, len(data)-consumed)
	copy(remaining, data[consumed:])
	frameBuffer.Reset()
	frameBuffer.Write(remaining)
}
