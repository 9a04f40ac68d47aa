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

const maxReasonLen = 512

// IntegrityService 实现消息的锁定、删除限制与删除判定。
// 所有状态变更都是单条带前置条件的 UPDATE/DELETE。
type IntegrityService struct {
	db  *gorm.DB
	pub Publisher
	now func() time.Time
}

func NewIntegrityService(db *gorm.DB, pub Publisher) *IntegrityService {
	return &IntegrityService{db: db, pub: orNop(pub), now: time.Now}
}

// IntegrityStatus 是消息当前的完整性字段。
type IntegrityStatus struct {
	MessageID            uint       `json:"message_id"`
	HangoutID            uint       `json:"hangout_id"`
	AuthorID             uint       `json:"author_id"`
	IsLocked             bool       `json:"is_locked"`
	LockedBy             *uint      `json:"locked_by"`
	LockedAt             *time.Time `json:"locked_at"`
	LockReason           *string    `json:"lock_reason"`
	DeletionRestricted   bool       `json:"deletion_restricted"`
	RestrictedBy         *uint      `json:"restricted_by"`
	RestrictedAt         *time.Time `json:"restricted_at"`
	RestrictionReason    *string    `json:"restriction_reason"`
	CanBeDeletedByAuthor bool       `json:"can_be_deleted_by_author"`
}

func loadMessage(tx *gorm.DB, id uint) (*models.Message, error) {
	var m models.Message
	err := tx.First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load message")
	}
	return &m, nil
}

func reasonPtr(reason string) (*string, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, apperr.Validation("reason is too long")
	}
	if reason == "" {
		return nil, nil
	}
	return &reason, nil
}

// moderatorFor 加载消息并确认 userID 是消息所在 hangout 的版主。
func (s *IntegrityService) moderatorFor(tx *gorm.DB, messageID, userID uint) (*models.Message, error) {
	msg, err := loadMessage(tx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := requireModerator(tx, msg.HangoutID, userID, s.now()); err != nil {
		return nil, err
	}
	return msg, nil
}

// Lock 锁定消息。已锁定的消息不能被再次锁定，原有原因不会被覆盖。
func (s *IntegrityService) Lock(ctx context.Context, messageID, actorID uint, reason string) error {
	rp, err := reasonPtr(reason)
	if err != nil {
		return err
	}
	tx := s.db.WithContext(ctx)
	msg, err := s.moderatorFor(tx, messageID, actorID)
	if err != nil {
		return err
	}
	res := tx.Model(&models.Message{}).
		Where("id = ? AND is_locked = ?", messageID, false).
		Updates(map[string]any{"is_locked": true, "locked_by": actorID, "locked_at": s.now(), "lock_reason": rp})
	if res.Error != nil {
		return errors.Wrap(res.Error, "lock message")
	}
	if res.RowsAffected == 0 {
		if _, err := loadMessage(tx, messageID); err != nil {
			return err
		}
		return ErrAlreadyLocked
	}
	publish(ctx, s.pub, msg.HangoutID, hangout.Event{Type: hangout.EventMessageLocked, UserID: actorID, MessageID: messageID})
	return nil
}

// Unlock 无条件清空锁定字段，对未锁定的消息同样成功。
func (s *IntegrityService) Unlock(ctx context.Context, messageID, actorID uint) error {
	tx := s.db.WithContext(ctx)
	msg, err := s.moderatorFor(tx, messageID, actorID)
	if err != nil {
		return err
	}
	res := tx.Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{"is_locked": false, "locked_by": nil, "locked_at": nil, "lock_reason": nil})
	if res.Error != nil {
		return errors.Wrap(res.Error, "unlock message")
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	publish(ctx, s.pub, msg.HangoutID, hangout.Event{Type: hangout.EventMessageUnlocked, UserID: actorID, MessageID: messageID})
	return nil
}

// RestrictDeletion 限制消息删除；allowAuthorDelete 为 true 时作者仍可删除。
func (s *IntegrityService) RestrictDeletion(ctx context.Context, messageID, actorID uint, reason string, allowAuthorDelete bool) error {
	rp, err := reasonPtr(reason)
	if err != nil {
		return err
	}
	tx := s.db.WithContext(ctx)
	if _, err := s.moderatorFor(tx, messageID, actorID); err != nil {
		return err
	}
	res := tx.Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"deletion_restricted":      true,
			"restricted_by":            actorID,
			"restricted_at":            s.now(),
			"restriction_reason":       rp,
			"can_be_deleted_by_author": allowAuthorDelete,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "restrict message deletion")
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UnrestrictDeletion 清空删除限制，并恢复作者删除权限。
func (s *IntegrityService) UnrestrictDeletion(ctx context.Context, messageID, actorID uint) error {
	tx := s.db.WithContext(ctx)
	if _, err := s.moderatorFor(tx, messageID, actorID); err != nil {
		return err
	}
	res := tx.Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"deletion_restricted":      false,
			"restricted_by":            nil,
			"restricted_at":            nil,
			"restriction_reason":       nil,
			"can_be_deleted_by_author": true,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "unrestrict message deletion")
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// decide 在服务端解析用户是否为版主，再交给 hangout.DecideDeletion 判定。
func (s *IntegrityService) decide(tx *gorm.DB, messageID, userID uint) (hangout.Decision, *models.Message, bool, error) {
	msg, err := loadMessage(tx, messageID)
	if errors.Is(err, ErrMessageNotFound) {
		return hangout.DecideDeletion(nil, userID, false), nil, false, nil
	}
	if err != nil {
		return hangout.Decision{}, nil, false, err
	}
	m, err := activeMember(tx, msg.HangoutID, userID)
	if err != nil {
		return hangout.Decision{}, nil, false, err
	}
	isMod := m != nil && m.Role.IsModerator() && !m.BanActive(s.now())
	return hangout.DecideDeletion(msg.State(), userID, isMod), msg, isMod, nil
}

// CanDelete 判断 userID 能否删除消息。
func (s *IntegrityService) CanDelete(ctx context.Context, messageID, userID uint) (hangout.Decision, error) {
	d, _, _, err := s.decide(s.db.WithContext(ctx), messageID, userID)
	if err != nil {
		return hangout.Decision{}, err
	}
	metrics.IntegrityDecisionsTotal.WithLabelValues(d.Kind.String()).Inc()
	return d, nil
}

// decisionError 把拒绝的判定结果转换为业务错误，原因原样透出。
func decisionError(d hangout.Decision) error {
	switch d.Kind {
	case hangout.DecisionAllowed:
		return nil
	case hangout.DecisionMessageMissing:
		return ErrMessageNotFound
	default:
		return apperr.PermissionDenied(d.Reason)
	}
}

// Delete 删除消息。DELETE 语句携带判定时的前置条件，
// 判定之后若消息被其他版主锁定，删除影响 0 行并返回新的判定结果。
func (s *IntegrityService) Delete(ctx context.Context, messageID, userID uint) error {
	tx := s.db.WithContext(ctx)
	d, msg, isMod, err := s.decide(tx, messageID, userID)
	if err != nil {
		return err
	}
	metrics.IntegrityDecisionsTotal.WithLabelValues(d.Kind.String()).Inc()
	if err := decisionError(d); err != nil {
		return err
	}
	q := tx.Where("id = ?", messageID)
	if isMod {
		q = q.Where("(is_locked = ? OR locked_by = ?)", false, userID)
	} else {
		q = q.Where("author_id = ? AND is_locked = ? AND (deletion_restricted = ? OR can_be_deleted_by_author = ?)", userID, false, false, true)
	}
	res := q.Delete(&models.Message{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete message")
	}
	if res.RowsAffected == 0 {
		fresh, _, _, err := s.decide(tx, messageID, userID)
		if err != nil {
			return err
		}
		if err := decisionError(fresh); err != nil {
			return err
		}
		return ErrConcurrentChange
	}
	publish(ctx, s.pub, msg.HangoutID, hangout.Event{Type: hangout.EventMessageDeleted, UserID: userID, MessageID: messageID})
	return nil
}

// Status 返回消息的完整性字段，只有 hangout 成员可以查看。
func (s *IntegrityService) Status(ctx context.Context, messageID, viewerID uint) (*IntegrityStatus, error) {
	tx := s.db.WithContext(ctx)
	msg, err := loadMessage(tx, messageID)
	if err != nil {
		return nil, err
	}
	m, err := activeMember(tx, msg.HangoutID, viewerID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotMember
	}
	return &IntegrityStatus{
		MessageID:            msg.ID,
		HangoutID:            msg.HangoutID,
		AuthorID:             msg.AuthorID,
		IsLocked:             msg.IsLocked,
		LockedBy:             msg.LockedBy,
		LockedAt:             msg.LockedAt,
		LockReason:           msg.LockReason,
		DeletionRestricted:   msg.DeletionRestricted,
		RestrictedBy:         msg.RestrictedBy,
		RestrictedAt:         msg.RestrictedAt,
		RestrictionReason:    msg.RestrictionReason,
		CanBeDeletedByAuthor: msg.CanBeDeletedByAuthor,
	}, nil
}
