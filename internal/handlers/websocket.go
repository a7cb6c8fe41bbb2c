package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sharaein/server/internal/auth"
	"github.com/sharaein/server/internal/hub"
	"github.com/sharaein/server/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// クライアントから送られるメッセージタイプ
const (
	msgJoinRoom           = "join_room"
	msgLeaveRoom          = "leave_room"
	msgFileUploadProgress = "file_upload_progress"
	msgPing               = "ping"
)

// WebSocketMessage はWebSocketで受信するメッセージの構造
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsClient は1つのWebSocket接続を表します
// 書き込みはwritePumpだけが行い、他のgoroutineはsendキューに積みます
type wsClient struct {
	id     string
	conn   *websocket.Conn
	claims *auth.Claims
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) TrySend(data []byte) error {
	select {
	case <-c.done:
		return hub.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) sendEvent(eventType string, payload any) {
	data, err := json.Marshal(hub.Event{Type: eventType, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("encode event")
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("client", c.id).Str("type", eventType).Msg("failed to queue event")
	}
}

func (c *wsClient) sendError(msg string) {
	c.sendEvent(hub.EventError, map[string]string{"message": msg})
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	ctx        context.Context // キャンセルされるとすべての接続を閉じる
	hub        *hub.Hub
	tokens     TokenVerifier
	upgrader   websocket.Upgrader
	sendBuffer int
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(ctx context.Context, h *hub.Hub, tokens TokenVerifier, allowedOrigins []string, sendBuffer int) *WebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &WebSocketHandler{
		ctx:        ctx,
		hub:        h,
		tokens:     tokens,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. トークンの検証（?token= またはBearer）
// 2. HTTPからWebSocketへのアップグレード
// 3. メッセージ受信ループの開始
// 4. 切断時に参加中のすべてのルームから退出
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := normalizeID(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "Access token required")
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("websocket upgrade error")
		return
	}

	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		claims: claims,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
	log.Info().Str("module", "ws").Str("client", c.id).Str("scope", claims.RoomID).Msg("websocket connected")

	go h.writePump(c)
	go func() {
		select {
		case <-h.ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	h.readPump(c)
}

func (h *WebSocketHandler) readPump(c *wsClient) {
	defer func() {
		h.hub.LeaveAll(c)
		c.Close()
		log.Info().Str("module", "ws").Str("client", c.id).Msg("websocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "ws").Str("client", c.id).Msg("websocket read error")
			}
			return
		}
		var msg WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("Invalid message")
			continue
		}
		// クライアントが送ってきたら読み込み期限を延長する
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case msgJoinRoom:
			h.handleJoin(c, msg.Payload)
		case msgLeaveRoom:
			h.handleLeave(c, msg.Payload)
		case msgFileUploadProgress:
			h.handleUploadProgress(c, msg.Payload)
		case msgPing:
			c.sendEvent(hub.EventPong, nil)
		default:
			log.Debug().Str("module", "ws").Str("client", c.id).Str("type", msg.Type).Msg("unknown message type")
		}
	}
}

func (h *WebSocketHandler) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "ws").Str("client", c.id).Msg("write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// roomIDFromPayload はペイロードからルームIDを取り出します
// "AB12C3" のような文字列と {"roomId": "AB12C3"} の両方を受け付けます
func roomIDFromPayload(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return service.NormalizeRoomID(id)
	}
	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return service.NormalizeRoomID(obj.RoomID)
	}
	return ""
}

// handleJoin はトークンのスコープと同じルームへの参加だけを許可します
func (h *WebSocketHandler) handleJoin(c *wsClient, payload json.RawMessage) {
	roomID := roomIDFromPayload(payload)
	if roomID == "" {
		c.sendError("Room ID is required")
		return
	}
	if err := auth.AuthorizeRoomScope(c.claims, roomID); err != nil {
		log.Warn().Str("module", "ws").Str("client", c.id).Str("room", roomID).Str("scope", c.claims.RoomID).Msg("join outside token scope")
		c.sendError("Access denied to this room")
		return
	}
	if err := h.hub.Join(c, roomID); err != nil {
		c.sendError("Failed to join room")
	}
}

func (h *WebSocketHandler) handleLeave(c *wsClient, payload json.RawMessage) {
	roomID := roomIDFromPayload(payload)
	if roomID == "" {
		return
	}
	h.hub.Leave(c, roomID)
}

// handleUploadProgress はアップロードの進捗を同じルームの他のメンバーに中継します
func (h *WebSocketHandler) handleUploadProgress(c *wsClient, payload json.RawMessage) {
	roomID := roomIDFromPayload(payload)
	if roomID == "" || !h.hub.IsMember(c.id, roomID) {
		c.sendError("Access denied to this room")
		return
	}
	if _, err := h.hub.BroadcastExcept(roomID, c.id, hub.EventFileUploadProgress, payload); err != nil {
		log.Error().Err(err).Str("module", "ws").Str("room", roomID).Msg("relay upload progress")
	}
}
