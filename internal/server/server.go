package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"shashin/internal/camera"
	"shashin/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	manager    camera.Manager
	hub        *Hub
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server

	// リクエストのコンテキストの親。シャットダウン時にキャンセルしてストリームを終わらせる
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, manager camera.Manager, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		config:  cfg,
		manager: manager,
		hub:     hub,
		logger:  logger.Named("server"),
		engine:  engine,
	}
	engine.Use(s.requestLogger(), gin.Recovery())
	s.setupRoutes()

	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/preview", s.handlePreview)

		api.POST("/mode/toggle", s.handleToggleMode)
		api.POST("/photo", s.handleCapturePhoto)
		api.POST("/recording/start", s.handleStartRecording)
		api.POST("/recording/stop", s.handleStopRecording)

		api.POST("/sensor/switch", s.handleSwitchSensor)
		api.PUT("/orientation", s.handleOrientation)
		api.PUT("/viewport", s.handleViewport)

		api.POST("/lifecycle/pause", s.handlePause)
		api.POST("/lifecycle/resume", s.handleResume)
	}

	s.engine.GET("/ws/events", s.handleEvents)
}

// requestLogger はリクエストをzapで記録するミドルウェア
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug("リクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Handler はHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルを受けるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve は指定されたリスナーでサーバーを起動する
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("address", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.Stringer("signal", sig))
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
//
// WebSocketとMJPEGの接続は自然には終わらないので、先に閉じてから猶予時間だけ待つ
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.cancelBase()
	s.hub.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		// 残った長時間接続は強制的に閉じる
		_ = s.httpServer.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
		}
	}

	// カメラを解放する
	if err := s.manager.Shutdown(ctx); err != nil {
		return fmt.Errorf("カメラの停止に失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
