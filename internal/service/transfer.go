package service

import (
	"context"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/hangout"
	"nexus/internal/metrics"
	"nexus/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// TransferStatus 描述一次待定的所有权移交。
type TransferStatus struct {
	HangoutID   uint      `json:"hangout_id"`
	InitiatedBy uint      `json:"initiated_by"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *HangoutService) transferWindow() time.Duration {
	if s.cfg.TransferWindowHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(s.cfg.TransferWindowHours) * time.Hour
}

// swapAdmin 在一个事务内完成 admin 交接：
// 先以 admin_id 做 CAS 更新 hangout，再降级旧 admin，最后提升新 admin。
// 降级必须先于提升，否则会短暂出现两个 admin 而违反部分唯一索引。
func swapAdmin(tx *gorm.DB, hangoutID, from, to uint, now time.Time, cond ...func(*gorm.DB) *gorm.DB) error {
	res := tx.Model(&models.Hangout{}).
		Scopes(cond...).
		Where("id = ? AND admin_id = ? AND is_active = ?", hangoutID, from, true).
		Updates(map[string]any{"admin_id": to, "transfer_initiated_by": nil, "transfer_expires_at": nil})
	if res.Error != nil {
		return errors.Wrap(res.Error, "swap hangout admin")
	}
	if res.RowsAffected != 1 {
		return ErrConcurrentChange
	}
	res = tx.Model(&models.Member{}).
		Where("hangout_id = ? AND user_id = ? AND role = ? AND left_at IS NULL", hangoutID, from, hangout.RoleAdmin).
		Updates(map[string]any{"role": hangout.RoleCoAdmin, "assigned_by": to, "assigned_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "demote admin")
	}
	if res.RowsAffected != 1 {
		return ErrConcurrentChange
	}
	res = tx.Model(&models.Member{}).
		Where("hangout_id = ? AND user_id = ? AND role = ? AND left_at IS NULL", hangoutID, to, hangout.RoleCoAdmin).
		Updates(map[string]any{"role": hangout.RoleAdmin, "assigned_by": nil, "assigned_at": nil})
	if res.Error != nil {
		return errors.Wrap(res.Error, "promote co-admin")
	}
	if res.RowsAffected != 1 {
		return ErrConcurrentChange
	}
	return nil
}

func pendingAt(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("transfer_expires_at IS NOT NULL AND transfer_expires_at > ?", now)
	}
}

func dueAt(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("transfer_expires_at IS NOT NULL AND transfer_expires_at <= ?", now)
	}
}

// TransferOwnership 立即把所有权交给一位 co-admin，旧 admin 降为 co-admin。
func (s *HangoutService) TransferOwnership(ctx context.Context, hangoutID, actorID, newAdminID uint) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := loadHangout(tx, hangoutID)
		if err != nil {
			return err
		}
		if h.AdminID != actorID {
			return apperr.PermissionDenied("only the admin can transfer ownership")
		}
		if newAdminID == actorID {
			return apperr.Validation("you already own this hangout")
		}
		target, err := activeMember(tx, hangoutID, newAdminID)
		if err != nil {
			return err
		}
		if target == nil {
			return ErrMemberNotFound
		}
		if target.Role != hangout.RoleCoAdmin {
			return apperr.Validation("ownership can only be transferred to a co-admin")
		}
		if target.BanActive(now) {
			return apperr.Validation("ownership cannot be transferred to a banned co-admin")
		}
		return swapAdmin(tx, hangoutID, actorID, newAdminID, now)
	})
	if err != nil {
		return err
	}
	metrics.TransfersTotal.WithLabelValues("immediate").Inc()
	log.Info().Uint("hangout_id", hangoutID).Uint("from", actorID).Uint("to", newAdminID).Msg("ownership transferred")
	return nil
}

// InitiateOwnershipTransfer 开启一个移交窗口，窗口内任一 co-admin 可以接受；
// 到期无人接受时由后台任务按活跃度自动选出继任者。
func (s *HangoutService) InitiateOwnershipTransfer(ctx context.Context, hangoutID, actorID uint) (*TransferStatus, error) {
	now := s.now()
	expires := now.Add(s.transferWindow())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := loadHangout(tx, hangoutID)
		if err != nil {
			return err
		}
		if h.AdminID != actorID {
			return apperr.PermissionDenied("only the admin can transfer ownership")
		}
		candidates, err := successorCandidates(tx, hangoutID, now)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return apperr.Validation("there are no co-admins to transfer ownership to")
		}
		res := tx.Model(&models.Hangout{}).
			Where("id = ? AND admin_id = ? AND transfer_expires_at IS NULL", hangoutID, actorID).
			Updates(map[string]any{"transfer_initiated_by": actorID, "transfer_expires_at": expires})
		if res.Error != nil {
			return errors.Wrap(res.Error, "initiate transfer")
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("an ownership transfer is already pending")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.scheduler != nil {
		if err := s.scheduler.ScheduleTransferExpiry(ctx, hangoutID, expires); err != nil {
			// 巡检任务兜底，这里只记录
			log.Warn().Err(err).Uint("hangout_id", hangoutID).Msg("schedule transfer expiry")
		}
	}
	return &TransferStatus{HangoutID: hangoutID, InitiatedBy: actorID, ExpiresAt: expires}, nil
}

// AcceptOwnershipTransfer 由 co-admin 在窗口期内接受移交。
func (s *HangoutService) AcceptOwnershipTransfer(ctx context.Context, hangoutID, actorID uint) error {
	now := s.now()
	var from uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := loadHangout(tx, hangoutID)
		if err != nil {
			return err
		}
		if h.TransferExpiresAt == nil {
			return ErrNoPendingTransfer
		}
		if !h.TransferExpiresAt.After(now) {
			return apperr.Validation("the ownership transfer window has expired")
		}
		m, err := activeMember(tx, hangoutID, actorID)
		if err != nil {
			return err
		}
		if m == nil || m.Role != hangout.RoleCoAdmin || m.BanActive(now) {
			return apperr.PermissionDenied("only co-admins can accept ownership")
		}
		from = h.AdminID
		return swapAdmin(tx, hangoutID, h.AdminID, actorID, now, pendingAt(now))
	})
	if err != nil {
		return err
	}
	metrics.TransfersTotal.WithLabelValues("accepted").Inc()
	log.Info().Uint("hangout_id", hangoutID).Uint("from", from).Uint("to", actorID).Msg("ownership transfer accepted")
	return nil
}

// CancelOwnershipTransfer 由 admin 撤销待定的移交。
func (s *HangoutService) CancelOwnershipTransfer(ctx context.Context, hangoutID, actorID uint) error {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return err
	}
	if h.AdminID != actorID {
		return apperr.PermissionDenied("only the admin can cancel an ownership transfer")
	}
	res := tx.Model(&models.Hangout{}).
		Where("id = ? AND admin_id = ? AND transfer_expires_at IS NOT NULL", hangoutID, actorID).
		Updates(map[string]any{"transfer_initiated_by": nil, "transfer_expires_at": nil})
	if res.Error != nil {
		return errors.Wrap(res.Error, "cancel transfer")
	}
	if res.RowsAffected == 0 {
		return ErrNoPendingTransfer
	}
	return nil
}

// PendingTransfer 返回 hangout 当前的移交状态，没有时返回 nil。
func (s *HangoutService) PendingTransfer(ctx context.Context, hangoutID uint) (*TransferStatus, error) {
	h, err := loadHangout(s.db.WithContext(ctx), hangoutID)
	if err != nil {
		return nil, err
	}
	if h.TransferExpiresAt == nil || h.TransferInitiatedBy == nil {
		return nil, nil
	}
	return &TransferStatus{HangoutID: h.ID, InitiatedBy: *h.TransferInitiatedBy, ExpiresAt: *h.TransferExpiresAt}, nil
}

// successorCandidates 返回所有未被封禁的活跃 co-admin。
func successorCandidates(tx *gorm.DB, hangoutID uint, now time.Time) ([]hangout.Candidate, error) {
	var rows []models.Member
	if err := tx.Where("hangout_id = ? AND role = ? AND left_at IS NULL", hangoutID, hangout.RoleCoAdmin).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list co-admins")
	}
	out := make([]hangout.Candidate, 0, len(rows))
	for i := range rows {
		if rows[i].BanActive(now) {
			continue
		}
		out = append(out, hangout.Candidate{UserID: rows[i].UserID, LastActive: rows[i].LastActiveAt})
	}
	return out, nil
}

// ExpireTransfer 处理单个到期的移交：选出最活跃的 co-admin 接任。
// 返回 true 表示确实完成了一次交接；尚未到期或已被处理时返回 false。
func (s *HangoutService) ExpireTransfer(ctx context.Context, hangoutID uint, now time.Time) (bool, error) {
	var successor, from uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := loadHangout(tx, hangoutID)
		if err != nil {
			return err
		}
		if h.TransferExpiresAt == nil || h.TransferExpiresAt.After(now) {
			return nil
		}
		from = h.AdminID
		candidates, err := successorCandidates(tx, hangoutID, now)
		if err != nil {
			return err
		}
		next, ok := hangout.SelectSuccessor(candidates, now)
		if !ok {
			log.Warn().Uint("hangout_id", hangoutID).Msg("transfer expired without eligible co-admins, clearing")
			return tx.Model(&models.Hangout{}).
				Scopes(dueAt(now)).
				Where("id = ? AND admin_id = ?", hangoutID, h.AdminID).
				Updates(map[string]any{"transfer_initiated_by": nil, "transfer_expires_at": nil}).Error
		}
		if err := swapAdmin(tx, hangoutID, h.AdminID, next, now, dueAt(now)); err != nil {
			return err
		}
		successor = next
		return nil
	})
	if errors.Is(err, ErrHangoutNotFound) {
		return false, nil
	}
	if err != nil || successor == 0 {
		return false, err
	}
	metrics.TransfersTotal.WithLabelValues("auto").Inc()
	log.Info().Uint("hangout_id", hangoutID).Uint("from", from).Uint("to", successor).Msg("ownership auto-transferred")
	return true, nil
}

// ExpireDueTransfers 扫描所有到期的移交并逐个处理，返回完成交接的数量。
func (s *HangoutService) ExpireDueTransfers(ctx context.Context, now time.Time) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Hangout{}).
		Scopes(dueAt(now)).
		Where("is_active = ?", true).
		Pluck("id", &ids).Error; err != nil {
		return 0, errors.Wrap(err, "find due transfers")
	}
	var (
		done     int
		firstErr error
	)
	for _, id := range ids {
		ok, err := s.ExpireTransfer(ctx, id, now)
		if err != nil {
			log.Error().Err(err).Uint("hangout_id", id).Msg("expire transfer")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			done++
		}
	}
	return done, firstErr
}
