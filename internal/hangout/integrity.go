package hangout

// MessageState 是删除判定需要的消息字段。
type MessageState struct {
	AuthorID             uint
	IsLocked             bool
	LockedBy             *uint
	LockReason           *string
	DeletionRestricted   bool
	RestrictionReason    *string
	CanBeDeletedByAuthor bool
}

// DecisionKind 枚举删除判定的所有结果。
type DecisionKind int

const (
	DecisionAllowed DecisionKind = iota
	DecisionMessageMissing
	DecisionLockedByOther
	DecisionNotAuthor
	DecisionLocked
	DecisionRestricted
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAllowed:
		return "allowed"
	case DecisionMessageMissing:
		return "message_missing"
	case DecisionLockedByOther:
		return "locked_by_other"
	case DecisionNotAuthor:
		return "not_author"
	case DecisionLocked:
		return "locked"
	case DecisionRestricted:
		return "restricted"
	}
	return "unknown"
}

// Decision 是 canUserDeleteMessage 的结果。
type Decision struct {
	Kind      DecisionKind `json:"-"`
	CanDelete bool         `json:"can_delete"`
	Reason    string       `json:"reason"`
}

func deny(kind DecisionKind, reason string) Decision {
	return Decision{Kind: kind, Reason: reason}
}

// DecideDeletion 按固定顺序判定 userID 能否删除消息：
// 消息不存在 → 版主（不能越过其他版主的锁）→ 非作者 → 作者但已锁 → 作者但受限 → 允许。
func DecideDeletion(msg *MessageState, userID uint, isModerator bool) Decision {
	if msg == nil {
		return deny(DecisionMessageMissing, "Message not found")
	}
	if isModerator {
		if msg.IsLocked && (msg.LockedBy == nil || *msg.LockedBy != userID) {
			return deny(DecisionLockedByOther, "Message is locked by another moderator: "+deref(msg.LockReason))
		}
		return Decision{Kind: DecisionAllowed, CanDelete: true, Reason: "Moderator may delete this message"}
	}
	if msg.AuthorID != userID {
		return deny(DecisionNotAuthor, "You can only delete your own messages")
	}
	if msg.IsLocked {
		return deny(DecisionLocked, "Message is locked: "+deref(msg.LockReason))
	}
	if msg.DeletionRestricted && !msg.CanBeDeletedByAuthor {
		return deny(DecisionRestricted, "Message deletion is restricted: "+deref(msg.RestrictionReason))
	}
	return Decision{Kind: DecisionAllowed, CanDelete: true, Reason: "Author may delete this message"}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
