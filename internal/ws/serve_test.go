package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ramanand00/Nuvyra-x/internal/auth"
	"github.com/ramanand00/Nuvyra-x/internal/config"
	"github.com/ramanand00/Nuvyra-x/internal/db"
	"github.com/ramanand00/Nuvyra-x/internal/models"
	"github.com/ramanand00/Nuvyra-x/internal/service"
	"github.com/ramanand00/Nuvyra-x/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var wsDBSeq atomic.Int64

type gatewayFixture struct {
	cfg     config.Config
	gdb     *gorm.DB
	hub     *ws.Hub
	chatSvc *service.ChatService
	srv     *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:ws_test_%d?mode=memory&cache=shared", wsDBSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, Env: "test"}
	hub := ws.NewHub()

	r := gin.New()
	r.GET("/ws", ws.Serve(hub, gdb, cfg))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &gatewayFixture{cfg: cfg, gdb: gdb, hub: hub, chatSvc: service.NewChatService(gdb, hub), srv: srv}
}

func (f *gatewayFixture) createUser(t *testing.T, name, email string) models.User {
	t.Helper()
	u := models.User{Name: name, Email: email, PasswordHash: "x", IsVerified: true}
	if err := f.gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func (f *gatewayFixture) dial(t *testing.T, userID uint) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateAccessToken(userID, f.cfg.JWTSecret, f.cfg.AccessTokenTTLMinutes)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var evt map[string]interface{}
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal event %s: %v", data, err)
	}
	return evt
}

func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected event: %s", data)
	}
}

func joinRoom(t *testing.T, conn *websocket.Conn, chatID uint) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"type": "join-room", "chat_id": chatID}); err != nil {
		t.Fatalf("write join-room: %v", err)
	}
	evt := readEvent(t, conn)
	if evt["type"] != "joined" {
		t.Fatalf("join reply = %v, want joined", evt)
	}
}

func TestServe_RejectsMissingToken(t *testing.T) {
	f := newGatewayFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestServe_JoinRefusedForNonParticipant(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.createUser(t, "Alice", "alice@example.com")
	b := f.createUser(t, "Bob", "bob@example.com")
	outsider := f.createUser(t, "Carol", "carol@example.com")

	chat, err := f.chatSvc.GetOrCreateChat(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat() error = %v", err)
	}

	conn := f.dial(t, outsider.ID)
	if err := conn.WriteJSON(map[string]interface{}{"type": "join-room", "chat_id": chat.ID}); err != nil {
		t.Fatalf("write join-room: %v", err)
	}
	evt := readEvent(t, conn)
	if evt["type"] != "error" {
		t.Fatalf("join reply = %v, want error", evt)
	}
	if f.hub.Online(chat.ID) != 0 {
		t.Errorf("Online() = %d, want 0", f.hub.Online(chat.ID))
	}
}

// The realtime payload must originate from confirmed persistence: the
// event a joined peer receives carries the id the store assigned, and it
// is delivered exactly once.
func TestServe_BroadcastMatchesPersistedMessage(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.createUser(t, "Alice", "alice@example.com")
	b := f.createUser(t, "Bob", "bob@example.com")

	chat, err := f.chatSvc.GetOrCreateChat(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat() error = %v", err)
	}

	bobConn := f.dial(t, b.ID)
	joinRoom(t, bobConn, chat.ID)

	aliceConn := f.dial(t, a.ID)
	joinRoom(t, aliceConn, chat.ID)

	sent, err := f.chatSvc.SendMessage(context.Background(), a.ID, chat.ID, "hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	evt := readEvent(t, bobConn)
	if evt["type"] != "receive-message" {
		t.Fatalf("event type = %v, want receive-message", evt["type"])
	}
	msg, ok := evt["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("event message = %v", evt["message"])
	}
	if uint(msg["id"].(float64)) != sent.ID {
		t.Errorf("broadcast id = %v, persisted id = %d", msg["id"], sent.ID)
	}
	if msg["content"] != "hi" || uint(msg["sender_id"].(float64)) != a.ID {
		t.Errorf("broadcast payload = %v", msg)
	}

	// Exactly one delivery to the peer, none back to the sender.
	expectNoEvent(t, bobConn)
	expectNoEvent(t, aliceConn)

	// The fetched history contains the same message, so the client can
	// deduplicate by id.
	detail, err := f.chatSvc.GetChatDetail(context.Background(), b.ID, chat.ID)
	if err != nil {
		t.Fatalf("GetChatDetail() error = %v", err)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].ID != sent.ID {
		t.Errorf("history = %+v, want single message id %d", detail.Messages, sent.ID)
	}
}

func TestServe_NoPeerInRoomIsStillPersisted(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.createUser(t, "Alice", "alice@example.com")
	b := f.createUser(t, "Bob", "bob@example.com")

	chat, err := f.chatSvc.GetOrCreateChat(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat() error = %v", err)
	}

	if _, err := f.chatSvc.SendMessage(context.Background(), a.ID, chat.ID, "offline hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	detail, err := f.chatSvc.GetChatDetail(context.Background(), b.ID, chat.ID)
	if err != nil {
		t.Fatalf("GetChatDetail() error = %v", err)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].Content != "offline hi" {
		t.Errorf("history = %+v", detail.Messages)
	}
}

func TestServe_TypingRelayedToRoomOnly(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.createUser(t, "Alice", "alice@example.com")
	b := f.createUser(t, "Bob", "bob@example.com")

	chat, err := f.chatSvc.GetOrCreateChat(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat() error = %v", err)
	}

	aliceConn := f.dial(t, a.ID)
	joinRoom(t, aliceConn, chat.ID)
	bobConn := f.dial(t, b.ID)
	joinRoom(t, bobConn, chat.ID)

	if err := aliceConn.WriteJSON(map[string]interface{}{"type": "typing", "chat_id": chat.ID, "is_typing": true}); err != nil {
		t.Fatalf("write typing: %v", err)
	}
	evt := readEvent(t, bobConn)
	if evt["type"] != "typing" || evt["is_typing"] != true {
		t.Fatalf("typing event = %v", evt)
	}

	// Nothing was persisted.
	var count int64
	f.gdb.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Errorf("message count = %d, want 0", count)
	}
}
