package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"shashin/internal/camera"
)

// プレビューのフレームが途切れたらセッションを借り直すまでの時間
const previewStallTimeout = 2 * time.Second

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureResponse は撮影結果のレスポンス
type CaptureResponse struct {
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
	URI       string `json:"uri"`
}

// OrientationRequest は端末の向きの変更要求
type OrientationRequest struct {
	Rotation *int `json:"rotation" binding:"required"`
}

// ViewportRequest は表示領域の変更要求
type ViewportRequest struct {
	Width  int `json:"width" binding:"required,min=1"`
	Height int `json:"height" binding:"required,min=1"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はマネージャーの状態を返す
func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.manager.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleToggleMode(c *gin.Context) {
	mode, err := s.manager.ToggleMode(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode.String()})
}

// handleCapturePhoto は静止画を撮影し、保存されるまで待って結果を返す
func (s *Server) handleCapturePhoto(c *gin.Context) {
	ctx := c.Request.Context()
	result, err := s.manager.CapturePhoto(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}

	select {
	case res := <-result:
		if !res.OK() {
			s.writeError(c, res.Err)
			return
		}
		c.JSON(http.StatusOK, CaptureResponse{
			RequestID: res.Request.ID,
			Path:      res.Location.Path,
			URI:       res.Location.URI,
		})
	case <-ctx.Done():
		// 撮影は続行され、結果はWebSocketで通知される
		c.Status(http.StatusAccepted)
	}
}

// handleStartRecording は録画を開始する。結果はWebSocketで通知される
func (s *Server) handleStartRecording(c *gin.Context) {
	result, err := s.manager.StartRecording(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	go func() {
		res := <-result
		if res.OK() {
			s.logger.Debug("録画結果を受信しました", zap.String("path", res.Location.Path))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"recording": camera.StateRecording.String()})
}

func (s *Server) handleStopRecording(c *gin.Context) {
	stopped, err := s.manager.StopRecording(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (s *Server) handleSwitchSensor(c *gin.Context) {
	facing, err := s.manager.SwitchSensor(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facing": facing.String()})
}

func (s *Server) handleOrientation(c *gin.Context) {
	var req OrientationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	rotation, err := camera.RotationFromDegrees(*req.Rotation)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}

	if err := s.manager.SetRotation(c.Request.Context(), rotation); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rotation": rotation.Degrees()})
}

func (s *Server) handleViewport(c *gin.Context) {
	var req ViewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	viewport := camera.Size{Width: req.Width, Height: req.Height}
	if err := s.manager.SetViewport(c.Request.Context(), viewport); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"viewport": viewport})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.manager.Pause(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"foreground": false})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.manager.Resume(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"foreground": true})
}

// handlePreview はプレビューをMJPEGストリームとして配信する
func (s *Server) handlePreview(c *gin.Context) {
	ctx := c.Request.Context()

	frames, err := s.manager.Preview(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	timer := time.NewTimer(previewStallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// クライアントが切断された
			return

		case frame := <-frames:
			if err := writeMJPEGFrame(writer, frame); err != nil {
				return
			}
			writer.Flush()
			resetTimer(timer, previewStallTimeout)

		case <-timer.C:
			// 再バインドでセッションが入れ替わった場合は新しいプレビューを借りる
			frames = s.reborrowPreview(ctx, frames)
			timer.Reset(previewStallTimeout)
		}
	}
}

// reborrowPreview は現在のセッションのプレビューを借り直す。借りられなければ元のチャンネルを返す
func (s *Server) reborrowPreview(ctx context.Context, current <-chan []byte) <-chan []byte {
	frames, err := s.manager.Preview(ctx)
	if err != nil {
		s.logger.Debug("プレビューを借りられません", zap.Error(err))
		return current
	}
	return frames
}

func writeMJPEGFrame(w gin.ResponseWriter, frame []byte) error {
	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handleEvents はWebSocketの通知エンドポイント
func (s *Server) handleEvents(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}

func (s *Server) writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// writeError はドメインのエラーをHTTPステータスに変換して返す
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := classifyError(err)

	resp := ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	var ce *camera.CaptureError
	if errors.As(err, &ce) {
		resp.Reason = ce.Reason
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗しました",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.JSON(status, resp)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrInvalidViewport):
		return http.StatusBadRequest, "invalid_viewport"
	case errors.Is(err, camera.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, camera.ErrSessionNotBound):
		return http.StatusConflict, "session_not_bound"
	case errors.Is(err, camera.ErrWrongMode):
		return http.StatusConflict, "wrong_mode"
	case errors.Is(err, camera.ErrRecordingActive):
		return http.StatusConflict, "recording_active"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	case errors.Is(err, camera.ErrPipelineConflict):
		return http.StatusServiceUnavailable, "pipeline_conflict"
	case errors.Is(err, camera.ErrExecutorClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, camera.ErrCaptureFailed):
		return http.StatusInternalServerError, "capture_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
