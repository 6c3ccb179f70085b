package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ramanand00/Nuvyra-x/internal/auth"
	"github.com/ramanand00/Nuvyra-x/internal/config"
	"github.com/ramanand00/Nuvyra-x/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	ctx    context.Context
	db     *gorm.DB
	userID uint
	name   string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event 是客户端可以发起的全部事件。网关不接受客户端提交的消息
// 负载：receive-message 只会由服务端在消息落库之后下发。
type Event struct {
	Type     string `json:"type"`
	ChatID   uint   `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// Serve 处理 WebSocket 升级。连接在升级时完成身份认证，之后由
// join-room / leave-room 事件管理房间成员关系。
func Serve(h *Hub, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Token via Authorization header or token query param for WS
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			id:     uuid.NewString(),
			hub:    h,
			conn:   conn,
			send:   make(chan []byte, 256),
			done:   make(chan struct{}),
			ctx:    c.Request.Context(),
			db:     db,
			userID: user.ID,
			name:   user.Name,
		}
		h.register(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil || evt.ChatID == 0 {
			continue
		}
		switch evt.Type {
		case "join-room":
			c.handleJoin(evt.ChatID)
		case "leave-room":
			c.hub.leave(c, evt.ChatID)
		case "typing":
			c.handleTyping(evt.ChatID, evt.IsTyping)
		}
	}
}

// handleJoin 先查库确认用户确实是该会话的参与者，再加入房间。
// 房间 ID 就是会话 ID，非参与者会收到 error 事件。
func (c *Client) handleJoin(chatID uint) {
	var chat models.Chat
	if err := c.db.WithContext(c.ctx).First(&chat, chatID).Error; err != nil {
		c.sendEvent(map[string]interface{}{"type": "error", "chat_id": chatID, "message": "chat not found"})
		return
	}
	if !chat.HasParticipant(c.userID) {
		log.Warn().Uint("user_id", c.userID).Uint("chat_id", chatID).Msg("ws join refused")
		c.sendEvent(map[string]interface{}{"type": "error", "chat_id": chatID, "message": "not a participant"})
		return
	}
	c.hub.join(c, chatID)
	c.sendEvent(map[string]interface{}{"type": "joined", "chat_id": chatID})
}

// handleTyping 把输入状态转发给房间里的其他成员，不落库。
func (c *Client) handleTyping(chatID uint, isTyping bool) {
	if !c.hub.isMember(c, chatID) {
		return
	}
	evt := map[string]interface{}{"type": "typing", "chat_id": chatID, "user_id": c.userID, "name": c.name, "is_typing": isTyping}
	if b, err := json.Marshal(evt); err == nil {
		c.hub.broadcastToRoomFrom(chatID, c, b)
	}
}

// sendEvent 尽力投递连接内事件。send 通道永远不会被关闭（关闭信号
// 走 done），所以这里并发于 Hub 的踢出也是安全的，事件最多丢弃。
func (c *Client) sendEvent(evt map[string]interface{}) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
