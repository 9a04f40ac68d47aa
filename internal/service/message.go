package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"nexus/internal/apperr"
	"nexus/internal/hangout"
	"nexus/internal/metrics"
	"nexus/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const maxContentLen = 4000

// MessageService 封装消息历史与发送。
type MessageService struct {
	db  *gorm.DB
	pub Publisher
	now func() time.Time
}

func NewMessageService(db *gorm.DB, pub Publisher) *MessageService {
	return &MessageService{db: db, pub: orNop(pub), now: time.Now}
}

// ListByHangout 分页查询消息，按 id 升序返回。只有活跃成员可以读取。
func (s *MessageService) ListByHangout(ctx context.Context, hangoutID, viewerID uint, limit int, beforeID uint) ([]hangout.MessageView, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return nil, err
	}
	m, err := activeMember(tx, hangoutID, viewerID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotMember
	}

	q := tx.Where("hangout_id = ?", hangoutID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "list messages")
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, msg := range msgs {
		if _, ok := seen[msg.AuthorID]; ok {
			continue
		}
		seen[msg.AuthorID] = struct{}{}
		ids = append(ids, msg.AuthorID)
	}
	usernames, err := resolveUsernames(tx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]hangout.MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, toView(&msgs[i], usernames[msgs[i].AuthorID]))
	}
	return out, nil
}

// Send 保存一条消息并广播。被封禁的成员不能发言，发言会刷新成员活跃时间。
func (s *MessageService) Send(ctx context.Context, hangoutID, authorID uint, content string) (*hangout.MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Validation("message content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return nil, apperr.Validation("message is too long")
	}
	now := s.now()
	var (
		msg      models.Message
		username string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadHangout(tx, hangoutID); err != nil {
			return err
		}
		m, err := activeMember(tx, hangoutID, authorID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrNotMember
		}
		if m.BanActive(now) {
			return ErrBanned
		}
		msg = models.Message{HangoutID: hangoutID, AuthorID: authorID, Content: content, CreatedAt: now, CanBeDeletedByAuthor: true}
		if err := tx.Create(&msg).Error; err != nil {
			return errors.Wrap(err, "create message")
		}
		if err := tx.Model(&models.Member{}).Where("id = ?", m.ID).Update("last_active_at", now).Error; err != nil {
			return errors.Wrap(err, "touch member activity")
		}
		var u models.User
		if err := tx.Select("id", "username").First(&u, authorID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "load author")
		}
		username = u.Username
		return nil
	})
	if err != nil {
		return nil, err
	}
	view := toView(&msg, username)
	metrics.MessagesTotal.Inc()
	publish(ctx, s.pub, hangoutID, hangout.Event{Type: hangout.EventMessage, UserID: authorID, Username: username, MessageID: msg.ID, Message: &view})
	return &view, nil
}

func toView(m *models.Message, username string) hangout.MessageView {
	return hangout.MessageView{
		ID:                 m.ID,
		HangoutID:          m.HangoutID,
		AuthorID:           m.AuthorID,
		Username:           username,
		Content:            m.Content,
		CreatedAt:          m.CreatedAt,
		IsLocked:           m.IsLocked,
		DeletionRestricted: m.DeletionRestricted,
	}
}
