package hangout

import "time"

// MessageView 是 REST 历史接口与实时 INSERT 事件共用的消息结构。
type MessageView struct {
	ID                 uint      `json:"id"`
	HangoutID          uint      `json:"hangout_id"`
	AuthorID           uint      `json:"author_id"`
	Username           string    `json:"username"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"created_at"`
	IsLocked           bool      `json:"is_locked"`
	DeletionRestricted bool      `json:"deletion_restricted"`
}

// EventType 是实时事件类型。
type EventType string

const (
	EventMessage         EventType = "message"
	EventMessageDeleted  EventType = "message_deleted"
	EventMessageLocked   EventType = "message_locked"
	EventMessageUnlocked EventType = "message_unlocked"
	EventJoin            EventType = "join"
	EventLeave           EventType = "leave"
	EventTyping          EventType = "typing"
)

// Event 是按 hangout 分发的实时事件。
type Event struct {
	Type      EventType    `json:"type"`
	HangoutID uint         `json:"hangout_id"`
	UserID    uint         `json:"user_id,omitempty"`
	Username  string       `json:"username,omitempty"`
	MessageID uint         `json:"message_id,omitempty"`
	Message   *MessageView `json:"message,omitempty"`
	IsTyping  bool         `json:"is_typing,omitempty"`
	Online    int          `json:"online,omitempty"`
}
