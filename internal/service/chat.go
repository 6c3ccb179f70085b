package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ramanand00/Nuvyra-x/internal/metrics"
	"github.com/ramanand00/Nuvyra-x/internal/models"
	"github.com/ramanand00/Nuvyra-x/internal/ws"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxMessageRunes 服务端强制的消息长度上限，与客户端输入框限制一致。
const MaxMessageRunes = 500

// ChatService 是会话与消息的唯一写入口：查找或创建会话、追加消息、
// 广播已落库的消息。实时网关从不直接写存储。
type ChatService struct {
	db  *gorm.DB
	hub *ws.Hub
}

func NewChatService(db *gorm.DB, hub *ws.Hub) *ChatService {
	return &ChatService{db: db, hub: hub}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID         uint      `json:"id"`
	ChatID     uint      `json:"chat_id"`
	SenderID   uint      `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// LastMessageDTO 是会话列表里冗余缓存的最近一条消息摘要。
type LastMessageDTO struct {
	SenderID  uint      `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary 是会话列表项：对端展示信息加最近消息摘要。
type ChatSummary struct {
	ID          uint            `json:"id"`
	Peer        UserDTO         `json:"peer"`
	LastMessage *LastMessageDTO `json:"last_message,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ChatDetail 是单个会话的完整视图，消息按追加顺序排列。
type ChatDetail struct {
	ID           uint         `json:"id"`
	Participants []UserDTO    `json:"participants"`
	Messages     []MessageDTO `json:"messages"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ListChats 返回用户参与的全部会话，按最近活跃排序，并做读侧
// 关联补全对端的展示字段。
func (s *ChatService) ListChats(ctx context.Context, userID uint) ([]ChatSummary, error) {
	var chats []models.Chat
	err := s.db.WithContext(ctx).
		Where("user_a_id = ? OR user_b_id = ?", userID, userID).
		Order("updated_at desc").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}

	users, err := s.resolveUsers(ctx, peerIDs(chats, userID))
	if err != nil {
		return nil, err
	}

	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		sum := ChatSummary{ID: c.ID, Peer: users[c.PeerOf(userID)], UpdatedAt: c.UpdatedAt}
		if c.LastMessageAt != nil {
			sum.LastMessage = &LastMessageDTO{SenderID: c.LastSenderID, Content: c.LastContent, CreatedAt: *c.LastMessageAt}
		}
		out = append(out, sum)
	}
	return out, nil
}

// GetOrCreateChat 查找或创建两个用户之间的唯一会话。pair_key 上的
// 唯一索引保证两边同时发起也只会产生一条记录：创建失败时按同一
// 键重查并返回竞争的赢家。
func (s *ChatService) GetOrCreateChat(ctx context.Context, userID, otherID uint) (*ChatDetail, error) {
	if otherID == 0 || otherID == userID {
		return nil, ErrInvalidParticipant
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", otherID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrUserNotFound
	}

	key := models.PairKey(userID, otherID)
	var chat models.Chat
	err := s.db.WithContext(ctx).Where("pair_key = ?", key).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		a, b := userID, otherID
		if a > b {
			a, b = b, a
		}
		chat = models.Chat{PairKey: key, UserAID: a, UserBID: b}
		if cerr := s.db.WithContext(ctx).Create(&chat).Error; cerr != nil {
			// 只有唯一索引冲突才说明对方抢先创建了，重查拿同一条；
			// 其余存储错误原样上抛。
			if !errors.Is(cerr, gorm.ErrDuplicatedKey) {
				return nil, cerr
			}
			if qerr := s.db.WithContext(ctx).Where("pair_key = ?", key).First(&chat).Error; qerr != nil {
				return nil, cerr
			}
		}
	} else if err != nil {
		return nil, err
	}
	return s.buildDetail(ctx, chat)
}

// GetChatDetail 返回会话及完整消息历史；非参与者拒绝访问。
func (s *ChatService) GetChatDetail(ctx context.Context, userID, chatID uint) (*ChatDetail, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return s.buildDetail(ctx, chat)
}

// SendMessage 校验内容后在单个事务里完成追加：锁定会话行（同一
// 会话的并发发送被串行化）、写入消息、同步更新最近消息缓存。提交
// 成功后才把落库的消息交给网关广播；广播失败不影响发送方。
func (s *ChatService) SendMessage(ctx context.Context, userID, chatID uint, content string) (*MessageDTO, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > MaxMessageRunes {
		return nil, ErrInvalidContent
	}

	var msg models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat models.Chat
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&chat, chatID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrChatNotFound
			}
			return err
		}
		if !chat.HasParticipant(userID) {
			return ErrNotParticipant
		}
		msg = models.Message{ChatID: chat.ID, SenderID: userID, Content: content}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&chat).Updates(map[string]interface{}{
			"last_sender_id":  msg.SenderID,
			"last_content":    msg.Content,
			"last_message_at": msg.CreatedAt,
			"updated_at":      msg.CreatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	dto := MessageDTO{ID: msg.ID, ChatID: msg.ChatID, SenderID: msg.SenderID, SenderName: s.senderName(ctx, userID), Content: msg.Content, CreatedAt: msg.CreatedAt}
	s.broadcast(chatID, userID, dto)
	metrics.ChatMessagesTotal.Inc()
	return &dto, nil
}

// broadcast 只转发已确认持久化的消息，这是实时通道唯一的消息来源。
func (s *ChatService) broadcast(chatID, senderID uint, dto MessageDTO) {
	if s.hub == nil {
		return
	}
	evt := map[string]interface{}{"type": "receive-message", "message": dto}
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Uint("chat_id", chatID).Msg("marshal broadcast")
		return
	}
	s.hub.BroadcastToRoom(chatID, senderID, b)
}

func (s *ChatService) buildDetail(ctx context.Context, chat models.Chat) (*ChatDetail, error) {
	users, err := s.resolveUsers(ctx, []uint{chat.UserAID, chat.UserBID})
	if err != nil {
		return nil, err
	}

	var msgs []models.Message
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chat.ID).Order("id asc").Find(&msgs).Error; err != nil {
		return nil, err
	}

	out := &ChatDetail{
		ID:           chat.ID,
		Participants: []UserDTO{users[chat.UserAID], users[chat.UserBID]},
		Messages:     make([]MessageDTO, 0, len(msgs)),
		UpdatedAt:    chat.UpdatedAt,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, MessageDTO{
			ID:         m.ID,
			ChatID:     m.ChatID,
			SenderID:   m.SenderID,
			SenderName: users[m.SenderID].Name,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}

// resolveUsers 批量获取用户展示数据；已不存在的用户保留空展示字段，
// 历史会话仍可正常读取。
func (s *ChatService) resolveUsers(ctx context.Context, ids []uint) (map[uint]UserDTO, error) {
	out := make(map[uint]UserDTO, len(ids))
	for _, id := range ids {
		out[id] = UserDTO{ID: id}
	}
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = toUserDTO(u)
	}
	return out, nil
}

func (s *ChatService) senderName(ctx context.Context, userID uint) string {
	var user models.User
	if err := s.db.WithContext(ctx).Select("id", "name").First(&user, userID).Error; err != nil {
		return ""
	}
	return user.Name
}

func peerIDs(chats []models.Chat, selfID uint) []uint {
	seen := make(map[uint]struct{}, len(chats))
	ids := make([]uint, 0, len(chats))
	for _, c := range chats {
		id := c.PeerOf(selfID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
