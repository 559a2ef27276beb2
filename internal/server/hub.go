package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shashin/internal/camera"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// クライアントごとの送信キュー
	sendBufferSize = 32
)

// Event はWebSocketで配信する通知
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// イベントの種類
const (
	EventPhotoSaved     = "photo_saved"
	EventVideoSaved     = "video_saved"
	EventCaptureFailed  = "capture_failed"
	EventSessionChanged = "session_changed"
	EventBindFailed     = "bind_failed"
)

// CaptureFailure は撮影失敗の通知内容
type CaptureFailure struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error"`
}

// BindFailure はバインド失敗の通知内容
type BindFailure struct {
	Facing string `json:"facing"`
	Error  string `json:"error"`
}

// Hub は接続中のWebSocketクライアントへ通知を配信する
//
// camera.Notifierを実装する。通知はUIループから呼ばれるため、送信はブロックしない
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

var _ camera.Notifier = (*Hub)(nil)

// NewHub は新しいHubを作成する
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("hub"),
		clients: make(map[*client]struct{}),
	}
}

// ServeWS はWebSocket接続を確立してクライアントを登録する
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket接続の確立に失敗しました", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("WebSocketクライアントが接続しました", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

// readPump はクライアントからの切断を検知する。受信したメッセージは捨てる
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocketの読み込みに失敗しました", zap.Error(err))
			}
			return
		}
	}
}

// writePump は送信キューのメッセージを書き込み、定期的にpingを送る
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocketへの書き込みに失敗しました", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast はすべてのクライアントへイベントを送る。キューが溢れたクライアントは切断する
func (h *Hub) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("イベントのエンコードに失敗しました", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("送信が追いつかないクライアントを切断します")
			h.removeLocked(c)
		}
	}
}

// ClientCount は接続中のクライアント数を返す
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close はすべてのクライアントを切断する
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) PhotoSaved(loc camera.SavedLocation) {
	h.Broadcast(Event{Type: EventPhotoSaved, Data: loc})
}

func (h *Hub) VideoSaved(loc camera.SavedLocation) {
	h.Broadcast(Event{Type: EventVideoSaved, Data: loc})
}

func (h *Hub) CaptureFailed(req camera.CaptureRequest, err error) {
	failure := CaptureFailure{
		RequestID: req.ID,
		Kind:      string(req.Kind),
		Path:      req.Path,
		Error:     err.Error(),
	}
	var ce *camera.CaptureError
	if errors.As(err, &ce) {
		failure.Reason = ce.Reason
	}
	h.Broadcast(Event{Type: EventCaptureFailed, Data: failure})
}

func (h *Hub) SessionChanged(info camera.SessionInfo) {
	h.Broadcast(Event{Type: EventSessionChanged, Data: info})
}

func (h *Hub) BindFailed(facing camera.Facing, err error) {
	h.Broadcast(Event{Type: EventBindFailed, Data: BindFailure{Facing: facing.String(), Error: err.Error()}})
}
