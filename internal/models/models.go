package models

import (
	"time"

	"nexus/internal/hangout"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Hangout 是群聊房间。AdminID 冗余记录当前 admin，用作所有权移交的 CAS 条件。
type Hangout struct {
	ID                  uint   `gorm:"primaryKey"`
	Name                string `gorm:"size:128;not null"`
	Description         string `gorm:"type:text"`
	Rules               string `gorm:"type:text"`
	Theme               string `gorm:"size:64"`
	BannerURL           string `gorm:"size:512"`
	IconURL             string `gorm:"size:512"`
	IsPrivate           bool   `gorm:"not null"`
	CreatorID           uint   `gorm:"not null"`
	AdminID             uint   `gorm:"index;not null"`
	MaxCoAdmins         int    `gorm:"not null"`
	JoinCode            string `gorm:"uniqueIndex;size:32;not null"`
	IsActive            bool   `gorm:"index;not null"`
	TransferInitiatedBy *uint
	TransferExpiresAt   *time.Time `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Member 是 hangout 成员关系，LeftAt 为空表示仍在房间内。
// 两个部分唯一索引保证：每人每房间最多一条活跃记录，每房间最多一个活跃 admin。
type Member struct {
	ID           uint         `gorm:"primaryKey"`
	HangoutID    uint         `gorm:"not null;uniqueIndex:idx_member_active,where:left_at IS NULL;uniqueIndex:idx_member_admin,where:role = 'admin' AND left_at IS NULL"`
	UserID       uint         `gorm:"not null;index;uniqueIndex:idx_member_active,where:left_at IS NULL"`
	Role         hangout.Role `gorm:"size:16;not null"`
	JoinedAt     time.Time    `gorm:"not null"`
	LeftAt       *time.Time
	LastActiveAt time.Time `gorm:"not null"`
	AssignedBy   *uint
	AssignedAt   *time.Time
	IsBanned     bool `gorm:"not null"`
	BanExpiry    *time.Time
	BannedBy     *uint
	BannedAt     *time.Time
	BanReason    string `gorm:"size:512"`
}

// BanActive 判断封禁在 now 时刻是否仍然有效。
func (m *Member) BanActive(now time.Time) bool {
	return m.IsBanned && (m.BanExpiry == nil || m.BanExpiry.After(now))
}

type Message struct {
	ID                   uint   `gorm:"primaryKey"`
	HangoutID            uint   `gorm:"index:idx_msg_hangout_id;not null"`
	AuthorID             uint   `gorm:"index;not null"`
	Content              string `gorm:"type:text;not null"`
	CreatedAt            time.Time
	IsLocked             bool `gorm:"not null"`
	LockedBy             *uint
	LockedAt             *time.Time
	LockReason           *string `gorm:"size:512"`
	DeletionRestricted   bool    `gorm:"not null"`
	RestrictedBy         *uint
	RestrictedAt         *time.Time
	RestrictionReason    *string `gorm:"size:512"`
	CanBeDeletedByAuthor bool    `gorm:"not null"`
}

// State 提取删除判定所需的字段。
func (m *Message) State() *hangout.MessageState {
	return &hangout.MessageState{
		AuthorID:             m.AuthorID,
		IsLocked:             m.IsLocked,
		LockedBy:             m.LockedBy,
		LockReason:           m.LockReason,
		DeletionRestricted:   m.DeletionRestricted,
		RestrictionReason:    m.RestrictionReason,
		CanBeDeletedByAuthor: m.CanBeDeletedByAuthor,
	}
}

const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

type JoinRequest struct {
	ID          uint      `gorm:"primaryKey"`
	HangoutID   uint      `gorm:"index;not null"`
	UserID      uint      `gorm:"index;not null"`
	Message     string    `gorm:"size:500"`
	Status      string    `gorm:"size:16;index;not null"`
	RequestedAt time.Time `gorm:"not null"`
	ResolvedBy  *uint
	ResolvedAt  *time.Time
}

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
)

type Invitation struct {
	ID        uint      `gorm:"primaryKey"`
	HangoutID uint      `gorm:"index;not null"`
	UserID    uint      `gorm:"index;not null"`
	InvitedBy uint      `gorm:"not null"`
	Status    string    `gorm:"size:16;index;not null"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time
}
