package models

import (
	"fmt"
	"time"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:128;not null"`
	Mobile       string `gorm:"size:32"`
	Avatar       string `gorm:"size:256"`
	PasswordHash string `gorm:"not null"`
	IsVerified   bool   `gorm:"not null;default:false"`
	LastSeen     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chat 表示一个双人会话。PairKey 是归一化后的参与者对键，
// 唯一索引保证同一对用户永远只有一条会话记录。
type Chat struct {
	ID            uint   `gorm:"primaryKey"`
	PairKey       string `gorm:"uniqueIndex;size:48;not null"`
	UserAID       uint   `gorm:"index;not null"`
	UserBID       uint   `gorm:"index;not null"`
	LastSenderID  uint
	LastContent   string `gorm:"type:text"`
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

// PairKey 把无序的用户对归一化成 "小ID:大ID" 形式的键。
func PairKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// HasParticipant 判断用户是否是该会话的参与者。
func (c *Chat) HasParticipant(userID uint) bool {
	return userID == c.UserAID || userID == c.UserBID
}

// PeerOf 返回会话中另一方的用户 ID。
func (c *Chat) PeerOf(userID uint) uint {
	if userID == c.UserAID {
		return c.UserBID
	}
	return c.UserAID
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	ChatID    uint   `gorm:"index:idx_msg_chat_id;not null"`
	SenderID  uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
