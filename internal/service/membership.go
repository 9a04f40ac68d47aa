package service

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"nexus/internal/apperr"
	"nexus/internal/hangout"
	"nexus/internal/metrics"
	"nexus/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	minBanHours    = 1
	maxBanHours    = 168
	invitationTTL  = 7 * 24 * time.Hour
	maxRequestText = 500
)

// MemberDTO 是成员列表中的一项。
type MemberDTO struct {
	UserID       uint         `json:"user_id"`
	Username     string       `json:"username"`
	Role         hangout.Role `json:"role"`
	JoinedAt     time.Time    `json:"joined_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
	IsBanned     bool         `json:"is_banned"`
	BanExpiry    *time.Time   `json:"ban_expiry,omitempty"`
	BanReason    string       `json:"ban_reason,omitempty"`
}

// JoinRequestDTO 是入群申请。
type JoinRequestDTO struct {
	ID          uint      `json:"id"`
	HangoutID   uint      `json:"hangout_id"`
	UserID      uint      `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	Message     string    `json:"message"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
}

// InvitationDTO 是发给某个用户的邀请。
type InvitationDTO struct {
	ID        uint      `json:"id"`
	HangoutID uint      `json:"hangout_id"`
	UserID    uint      `json:"user_id"`
	InvitedBy uint      `json:"invited_by"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AssignCoAdmin 把普通成员提升为 co-admin。
// 事务内先锁住 hangout 行再统计 co-admin 数量，避免两个并发提升同时越过上限。
func (s *HangoutService) AssignCoAdmin(ctx context.Context, hangoutID, actorID, targetID uint) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var h models.Hangout
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ? AND is_active = ?", hangoutID, true).First(&h).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrHangoutNotFound
		}
		if err != nil {
			return errors.Wrap(err, "lock hangout")
		}
		if h.AdminID != actorID {
			return apperr.PermissionDenied("only the admin can assign co-admins")
		}
		target, err := activeMember(tx, hangoutID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			return ErrMemberNotFound
		}
		if target.Role != hangout.RoleMember {
			return apperr.Validation("user is already a " + target.Role.String())
		}
		if target.BanActive(now) {
			return apperr.Validation("banned members cannot be promoted")
		}
		var count int64
		if err := tx.Model(&models.Member{}).
			Where("hangout_id = ? AND role = ? AND left_at IS NULL", hangoutID, hangout.RoleCoAdmin).
			Count(&count).Error; err != nil {
			return errors.Wrap(err, "count co-admins")
		}
		if int(count) >= h.MaxCoAdmins {
			return ErrCoAdminLimit
		}
		res := tx.Model(&models.Member{}).
			Where("id = ? AND role = ? AND left_at IS NULL", target.ID, hangout.RoleMember).
			Updates(map[string]any{"role": hangout.RoleCoAdmin, "assigned_by": actorID, "assigned_at": now})
		if res.Error != nil {
			return errors.Wrap(res.Error, "promote member")
		}
		if res.RowsAffected != 1 {
			return ErrConcurrentChange
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RoleChangesTotal.WithLabelValues("assign_co_admin").Inc()
	return nil
}

// RemoveCoAdmin 把 co-admin 降回普通成员。
func (s *HangoutService) RemoveCoAdmin(ctx context.Context, hangoutID, actorID, targetID uint) error {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return err
	}
	if h.AdminID != actorID {
		return apperr.PermissionDenied("only the admin can remove co-admins")
	}
	res := tx.Model(&models.Member{}).
		Where("hangout_id = ? AND user_id = ? AND role = ? AND left_at IS NULL", hangoutID, targetID, hangout.RoleCoAdmin).
		Updates(map[string]any{"role": hangout.RoleMember, "assigned_by": nil, "assigned_at": nil})
	if res.Error != nil {
		return errors.Wrap(res.Error, "demote co-admin")
	}
	if res.RowsAffected == 0 {
		m, err := activeMember(tx, hangoutID, targetID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrMemberNotFound
		}
		return apperr.Validation("user is not a co-admin")
	}
	metrics.RoleChangesTotal.WithLabelValues("remove_co_admin").Inc()
	return nil
}

// BanUser 封禁成员 hours 小时，只有 admin 可以执行。
func (s *HangoutService) BanUser(ctx context.Context, hangoutID, actorID, targetID uint, hours int, reason string) error {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return err
	}
	if h.AdminID != actorID {
		return apperr.PermissionDenied("only the admin can ban members")
	}
	if hours < minBanHours || hours > maxBanHours {
		return apperr.Validation("ban duration must be between 1 and 168 hours")
	}
	if targetID == actorID {
		return apperr.Validation("you cannot ban yourself")
	}
	target, err := activeMember(tx, hangoutID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrMemberNotFound
	}
	if target.Role == hangout.RoleAdmin {
		return apperr.PermissionDenied("the admin cannot be banned")
	}
	now := s.now()
	expiry := now.Add(time.Duration(hours) * time.Hour)
	res := tx.Model(&models.Member{}).
		Where("id = ? AND left_at IS NULL", target.ID).
		Updates(map[string]any{
			"is_banned":  true,
			"ban_expiry": expiry,
			"banned_by":  actorID,
			"banned_at":  now,
			"ban_reason": strings.TrimSpace(reason),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "ban member")
	}
	if res.RowsAffected != 1 {
		return ErrMemberNotFound
	}
	metrics.RoleChangesTotal.WithLabelValues("ban").Inc()
	log.Info().Uint("hangout_id", hangoutID).Uint("user_id", targetID).Int("hours", hours).Msg("member banned")
	return nil
}

// UnbanUser 清空所有封禁字段，重复调用没有副作用。
func (s *HangoutService) UnbanUser(ctx context.Context, hangoutID, actorID, targetID uint) error {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return err
	}
	if h.AdminID != actorID {
		return apperr.PermissionDenied("only the admin can unban members")
	}
	// 已退出或被移除的成员记录上的封禁也一并清除
	var rows int64
	if err := tx.Model(&models.Member{}).Where("hangout_id = ? AND user_id = ?", hangoutID, targetID).Count(&rows).Error; err != nil {
		return errors.Wrap(err, "load member")
	}
	if rows == 0 {
		return ErrMemberNotFound
	}
	if err := tx.Model(&models.Member{}).
		Where("hangout_id = ? AND user_id = ? AND is_banned = ?", hangoutID, targetID, true).
		Updates(clearedBan()).Error; err != nil {
		return errors.Wrap(err, "unban member")
	}
	metrics.RoleChangesTotal.WithLabelValues("unban").Inc()
	return nil
}

func clearedBan() map[string]any {
	return map[string]any{"is_banned": false, "ban_expiry": nil, "banned_by": nil, "banned_at": nil, "ban_reason": ""}
}

// ClearExpiredBans 清理已经到期的封禁，由定时任务调用。
func (s *HangoutService) ClearExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Member{}).
		Where("is_banned = ? AND ban_expiry IS NOT NULL AND ban_expiry <= ?", true, now).
		Updates(clearedBan())
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "clear expired bans")
	}
	return res.RowsAffected, nil
}

// RemoveMember 把成员移出 hangout。admin 可以移除任何人，co-admin 只能移除普通成员。
func (s *HangoutService) RemoveMember(ctx context.Context, hangoutID, actorID, targetID uint) error {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return err
	}
	actor, err := requireModerator(tx, hangoutID, actorID, s.now())
	if err != nil {
		return denyUnlessModerator(err, "only admins and co-admins can remove members")
	}
	if targetID == actorID {
		return apperr.Validation("use leave to exit the hangout")
	}
	target, err := activeMember(tx, hangoutID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrMemberNotFound
	}
	if target.Role == hangout.RoleAdmin {
		return apperr.PermissionDenied("the admin cannot be removed")
	}
	if !hangout.CanManageRole(actor.Role, target.Role) {
		return apperr.PermissionDenied("co-admins can only remove regular members")
	}
	if err := s.markLeft(tx, target); err != nil {
		return err
	}
	metrics.RoleChangesTotal.WithLabelValues("remove_member").Inc()
	publish(ctx, s.pub, hangoutID, hangout.Event{Type: hangout.EventLeave, UserID: targetID})
	return nil
}

// Leave 主动退出 hangout，admin 必须先移交所有权。
func (s *HangoutService) Leave(ctx context.Context, hangoutID, userID uint) error {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return err
	}
	m, err := activeMember(tx, hangoutID, userID)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrMemberNotFound
	}
	if m.Role == hangout.RoleAdmin {
		return apperr.Validation("transfer ownership before leaving the hangout")
	}
	if err := s.markLeft(tx, m); err != nil {
		return err
	}
	metrics.RoleChangesTotal.WithLabelValues("leave").Inc()
	publish(ctx, s.pub, hangoutID, hangout.Event{Type: hangout.EventLeave, UserID: userID})
	return nil
}

func (s *HangoutService) markLeft(tx *gorm.DB, m *models.Member) error {
	res := tx.Model(&models.Member{}).
		Where("id = ? AND role = ? AND left_at IS NULL", m.ID, m.Role).
		Update("left_at", s.now())
	if res.Error != nil {
		return errors.Wrap(res.Error, "mark member left")
	}
	if res.RowsAffected != 1 {
		return ErrConcurrentChange
	}
	return nil
}

// RequestToJoin 为非成员创建入群申请。
func (s *HangoutService) RequestToJoin(ctx context.Context, hangoutID, userID uint, message string) (*JoinRequestDTO, error) {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > maxRequestText {
		return nil, apperr.Validation("request message is too long")
	}
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return nil, err
	}
	if err := rejectBanned(tx, hangoutID, userID, s.now(), ErrBanned); err != nil {
		return nil, err
	}
	m, err := activeMember(tx, hangoutID, userID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return nil, apperr.Conflict("you are already a member of this hangout")
	}
	var pending int64
	if err := tx.Model(&models.JoinRequest{}).
		Where("hangout_id = ? AND user_id = ? AND status = ?", hangoutID, userID, models.RequestPending).
		Count(&pending).Error; err != nil {
		return nil, errors.Wrap(err, "count pending requests")
	}
	if pending > 0 {
		return nil, apperr.Conflict("a join request is already pending")
	}
	req := models.JoinRequest{
		HangoutID:   hangoutID,
		UserID:      userID,
		Message:     message,
		Status:      models.RequestPending,
		RequestedAt: s.now(),
	}
	if err := tx.Create(&req).Error; err != nil {
		return nil, errors.Wrap(err, "create join request")
	}
	return &JoinRequestDTO{ID: req.ID, HangoutID: hangoutID, UserID: userID, Message: message, Status: req.Status, RequestedAt: req.RequestedAt}, nil
}

// HandleJoinRequest 接受或拒绝申请。状态更新带 status='pending' 条件，
// 第二次处理同一申请会得到 AlreadyResolved。
func (s *HangoutService) HandleJoinRequest(ctx context.Context, hangoutID, actorID, requestID uint, action string) error {
	var status string
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "accept":
		status = models.RequestAccepted
	case "reject":
		status = models.RequestRejected
	default:
		return apperr.Validation("action must be accept or reject")
	}
	now := s.now()
	var req models.JoinRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadHangout(tx, hangoutID); err != nil {
			return err
		}
		if _, err := requireModerator(tx, hangoutID, actorID, now); err != nil {
			return denyUnlessModerator(err, "only admins and co-admins can handle join requests")
		}
		err := tx.Where("id = ? AND hangout_id = ?", requestID, hangoutID).First(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRequestNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load join request")
		}
		if status == models.RequestAccepted && req.Status == models.RequestPending {
			if err := rejectBanned(tx, hangoutID, req.UserID, now, errUserBanned); err != nil {
				return err
			}
		}
		res := tx.Model(&models.JoinRequest{}).
			Where("id = ? AND status = ?", requestID, models.RequestPending).
			Updates(map[string]any{"status": status, "resolved_by": actorID, "resolved_at": now})
		if res.Error != nil {
			return errors.Wrap(res.Error, "resolve join request")
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyResolved
		}
		if status != models.RequestAccepted {
			return nil
		}
		existing, err := activeMember(tx, hangoutID, req.UserID)
		if err != nil || existing != nil {
			return err
		}
		return insertMember(tx, hangoutID, req.UserID, hangout.RoleMember, now)
	})
	if err != nil {
		return err
	}
	metrics.RoleChangesTotal.WithLabelValues("join_request_" + status).Inc()
	if status == models.RequestAccepted {
		publish(ctx, s.pub, hangoutID, hangout.Event{Type: hangout.EventJoin, UserID: req.UserID})
	}
	return nil
}

// InviteUser 由版主邀请用户加入，邀请 7 天后失效。
func (s *HangoutService) InviteUser(ctx context.Context, hangoutID, actorID, targetID uint) (*InvitationDTO, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := requireModerator(tx, hangoutID, actorID, now); err != nil {
		return nil, denyUnlessModerator(err, "only admins and co-admins can invite users")
	}
	var user models.User
	if err := tx.Select("id").First(&user, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, "load invited user")
	}
	if err := rejectBanned(tx, hangoutID, targetID, now, errUserBanned); err != nil {
		return nil, err
	}
	m, err := activeMember(tx, hangoutID, targetID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return nil, apperr.Conflict("user is already a member of this hangout")
	}
	var pending int64
	if err := tx.Model(&models.Invitation{}).
		Where("hangout_id = ? AND user_id = ? AND status = ? AND expires_at > ?", hangoutID, targetID, models.InvitationPending, now).
		Count(&pending).Error; err != nil {
		return nil, errors.Wrap(err, "count invitations")
	}
	if pending > 0 {
		return nil, apperr.Conflict("user already has a pending invitation")
	}
	inv := models.Invitation{
		HangoutID: hangoutID,
		UserID:    targetID,
		InvitedBy: actorID,
		Status:    models.InvitationPending,
		ExpiresAt: now.Add(invitationTTL),
	}
	if err := tx.Create(&inv).Error; err != nil {
		return nil, errors.Wrap(err, "create invitation")
	}
	return &InvitationDTO{ID: inv.ID, HangoutID: hangoutID, UserID: targetID, InvitedBy: actorID, Status: inv.Status, ExpiresAt: inv.ExpiresAt}, nil
}

// AcceptInvitation 由被邀请人接受邀请并成为成员。
func (s *HangoutService) AcceptInvitation(ctx context.Context, invitationID, userID uint) (*InvitationDTO, error) {
	now := s.now()
	var inv models.Invitation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND user_id = ?", invitationID, userID).First(&inv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInviteNotFound
		}
		if err != nil {
			return errors.Wrap(err, "load invitation")
		}
		if _, err := loadHangout(tx, inv.HangoutID); err != nil {
			return err
		}
		if inv.Status == models.InvitationPending {
			if err := rejectBanned(tx, inv.HangoutID, userID, now, ErrBanned); err != nil {
				return err
			}
		}
		res := tx.Model(&models.Invitation{}).
			Where("id = ? AND status = ? AND expires_at > ?", inv.ID, models.InvitationPending, now).
			Update("status", models.InvitationAccepted)
		if res.Error != nil {
			return errors.Wrap(res.Error, "accept invitation")
		}
		if res.RowsAffected == 0 {
			if inv.Status != models.InvitationPending {
				return ErrAlreadyResolved
			}
			return apperr.Validation("invitation has expired")
		}
		existing, err := activeMember(tx, inv.HangoutID, userID)
		if err != nil || existing != nil {
			return err
		}
		return insertMember(tx, inv.HangoutID, userID, hangout.RoleMember, now)
	})
	if err != nil {
		return nil, err
	}
	inv.Status = models.InvitationAccepted
	metrics.RoleChangesTotal.WithLabelValues("invitation_accepted").Inc()
	publish(ctx, s.pub, inv.HangoutID, hangout.Event{Type: hangout.EventJoin, UserID: userID})
	return &InvitationDTO{ID: inv.ID, HangoutID: inv.HangoutID, UserID: userID, InvitedBy: inv.InvitedBy, Status: inv.Status, ExpiresAt: inv.ExpiresAt}, nil
}

// canView 允许用户查询自己，查询他人时要求是 hangout 的活跃成员。
func canView(tx *gorm.DB, hangoutID, viewerID, userID uint) error {
	if viewerID == userID {
		return nil
	}
	v, err := activeMember(tx, hangoutID, viewerID)
	if err != nil {
		return err
	}
	if v == nil {
		return ErrNotMember
	}
	return nil
}

// UserRole 返回用户在 hangout 中的角色，非成员返回空串。
func (s *HangoutService) UserRole(ctx context.Context, hangoutID, viewerID, userID uint) (hangout.Role, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return "", err
	}
	if err := canView(tx, hangoutID, viewerID, userID); err != nil {
		return "", err
	}
	m, err := activeMember(tx, hangoutID, userID)
	if err != nil || m == nil {
		return "", err
	}
	return m.Role, nil
}

// Permissions 返回用户在 hangout 中可执行的操作集合。
func (s *HangoutService) Permissions(ctx context.Context, hangoutID, viewerID, userID uint) (hangout.Permissions, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return hangout.Permissions{}, err
	}
	if err := canView(tx, hangoutID, viewerID, userID); err != nil {
		return hangout.Permissions{}, err
	}
	m, err := activeMember(tx, hangoutID, userID)
	if err != nil {
		return hangout.Permissions{}, err
	}
	if m == nil {
		return hangout.PermissionsFor("", false), nil
	}
	return hangout.PermissionsFor(m.Role, m.BanActive(s.now())), nil
}

// ListMembers 返回活跃成员，按角色等级、加入时间排序。只有成员可以查看。
func (s *HangoutService) ListMembers(ctx context.Context, hangoutID, viewerID uint) ([]MemberDTO, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return nil, err
	}
	viewer, err := activeMember(tx, hangoutID, viewerID)
	if err != nil {
		return nil, err
	}
	if viewer == nil {
		return nil, ErrNotMember
	}
	var rows []models.Member
	if err := tx.Where("hangout_id = ? AND left_at IS NULL", hangoutID).Order("joined_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list members")
	}
	ids := make([]uint, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.UserID)
	}
	names, err := resolveUsernames(tx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Role.Rank() > rows[j].Role.Rank() })
	now := s.now()
	out := make([]MemberDTO, 0, len(rows))
	for _, m := range rows {
		dto := MemberDTO{
			UserID:       m.UserID,
			Username:     names[m.UserID],
			Role:         m.Role,
			JoinedAt:     m.JoinedAt,
			LastActiveAt: m.LastActiveAt,
			IsBanned:     m.BanActive(now),
		}
		if dto.IsBanned {
			dto.BanExpiry = m.BanExpiry
			dto.BanReason = m.BanReason
		}
		out = append(out, dto)
	}
	return out, nil
}

// ListRequests 返回待处理的入群申请，只有版主可以查看。
func (s *HangoutService) ListRequests(ctx context.Context, hangoutID, actorID uint) ([]JoinRequestDTO, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadHangout(tx, hangoutID); err != nil {
		return nil, err
	}
	if _, err := requireModerator(tx, hangoutID, actorID, s.now()); err != nil {
		return nil, err
	}
	var rows []models.JoinRequest
	if err := tx.Where("hangout_id = ? AND status = ?", hangoutID, models.RequestPending).
		Order("requested_at asc, id asc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list join requests")
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	names, err := resolveUsernames(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]JoinRequestDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, JoinRequestDTO{
			ID:          r.ID,
			HangoutID:   r.HangoutID,
			UserID:      r.UserID,
			Username:    names[r.UserID],
			Message:     r.Message,
			Status:      r.Status,
			RequestedAt: r.RequestedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取用户名。
func resolveUsernames(tx *gorm.DB, userIDs []uint) (map[uint]string, error) {
	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) == 0 {
		return usernames, nil
	}
	var users []models.User
	if err := tx.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, errors.Wrap(err, "resolve usernames")
	}
	for _, u := range users {
		usernames[u.ID] = u.Username
	}
	return usernames, nil
}
