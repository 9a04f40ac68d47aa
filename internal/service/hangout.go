package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"nexus/internal/apperr"
	"nexus/internal/config"
	"nexus/internal/hangout"
	"nexus/internal/metrics"
	"nexus/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// TransferScheduler 在移交窗口到期时触发自动移交，未配置时只依赖定时巡检。
type TransferScheduler interface {
	ScheduleTransferExpiry(ctx context.Context, hangoutID uint, at time.Time) error
}

// HangoutService 负责 hangout 本身、成员角色与所有权移交。
type HangoutService struct {
	db        *gorm.DB
	cfg       config.Config
	pub       Publisher
	scheduler TransferScheduler
	now       func() time.Time
}

func NewHangoutService(db *gorm.DB, cfg config.Config, pub Publisher) *HangoutService {
	return &HangoutService{db: db, cfg: cfg, pub: orNop(pub), now: time.Now}
}

// SetTransferScheduler 注入延迟任务队列，可在服务创建后再设置。
func (s *HangoutService) SetTransferScheduler(ts TransferScheduler) { s.scheduler = ts }

// HangoutDTO 是对外输出的 hangout 数据。
type HangoutDTO struct {
	ID                  uint       `json:"id"`
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	Rules               string     `json:"rules"`
	Theme               string     `json:"theme"`
	BannerURL           string     `json:"banner_url"`
	IconURL             string     `json:"icon_url"`
	IsPrivate           bool       `json:"is_private"`
	CreatorID           uint       `json:"creator_id"`
	AdminID             uint       `json:"admin_id"`
	MaxCoAdmins         int        `json:"max_co_admins"`
	JoinCode            string     `json:"join_code,omitempty"`
	MemberCount         int64      `json:"member_count"`
	Online              int        `json:"online"`
	TransferInitiatedBy *uint      `json:"transfer_initiated_by,omitempty"`
	TransferExpiresAt   *time.Time `json:"transfer_expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func (s *HangoutService) toDTO(h *models.Hangout) HangoutDTO {
	dto := HangoutDTO{
		ID:                  h.ID,
		Name:                h.Name,
		Description:         h.Description,
		Rules:               h.Rules,
		Theme:               h.Theme,
		BannerURL:           h.BannerURL,
		IconURL:             h.IconURL,
		IsPrivate:           h.IsPrivate,
		CreatorID:           h.CreatorID,
		AdminID:             h.AdminID,
		MaxCoAdmins:         h.MaxCoAdmins,
		TransferInitiatedBy: h.TransferInitiatedBy,
		TransferExpiresAt:   h.TransferExpiresAt,
		CreatedAt:           h.CreatedAt,
	}
	if oc, ok := s.pub.(interface{ Online(uint) int }); ok {
		dto.Online = oc.Online(h.ID)
	}
	return dto
}

// CreateParams 是创建 hangout 的输入。
type CreateParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rules       string `json:"rules"`
	Theme       string `json:"theme"`
	BannerURL   string `json:"banner_url"`
	IconURL     string `json:"icon_url"`
	IsPrivate   bool   `json:"is_private"`
	MaxCoAdmins int    `json:"max_co_admins"`
}

func validName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n > 0 && n <= 128
}

func validCoAdminCap(n int) bool { return n >= 1 && n <= 5 }

func newJoinCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// Create 创建 hangout，并在同一事务里写入创建者的 admin 成员记录。
func (s *HangoutService) Create(ctx context.Context, creatorID uint, p CreateParams) (*HangoutDTO, error) {
	p.Name = strings.TrimSpace(p.Name)
	if !validName(p.Name) {
		return nil, apperr.Validation("hangout name must be 1-128 characters")
	}
	if p.MaxCoAdmins == 0 {
		p.MaxCoAdmins = s.cfg.MaxCoAdmins
		if p.MaxCoAdmins == 0 {
			p.MaxCoAdmins = 3
		}
	}
	if !validCoAdminCap(p.MaxCoAdmins) {
		return nil, apperr.Validation("max co-admins must be between 1 and 5")
	}
	now := s.now()
	h := models.Hangout{
		Name:        p.Name,
		Description: p.Description,
		Rules:       p.Rules,
		Theme:       p.Theme,
		BannerURL:   p.BannerURL,
		IconURL:     p.IconURL,
		IsPrivate:   p.IsPrivate,
		CreatorID:   creatorID,
		AdminID:     creatorID,
		MaxCoAdmins: p.MaxCoAdmins,
		JoinCode:    newJoinCode(),
		IsActive:    true,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&h).Error; err != nil {
			return errors.Wrap(err, "create hangout")
		}
		return insertMember(tx, h.ID, creatorID, hangout.RoleAdmin, now)
	})
	if err != nil {
		return nil, err
	}
	dto := s.toDTO(&h)
	dto.MemberCount = 1
	return &dto, nil
}

// Get 返回 hangout 详情，邀请码只对版主可见。
func (s *HangoutService) Get(ctx context.Context, hangoutID, viewerID uint) (*HangoutDTO, error) {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return nil, err
	}
	viewer, err := activeMember(tx, hangoutID, viewerID)
	if err != nil {
		return nil, err
	}
	dto := s.toDTO(h)
	if viewer != nil && viewer.Role.IsModerator() {
		dto.JoinCode = h.JoinCode
	}
	if err := tx.Model(&models.Member{}).Where("hangout_id = ? AND left_at IS NULL", hangoutID).Count(&dto.MemberCount).Error; err != nil {
		return nil, errors.Wrap(err, "count members")
	}
	return &dto, nil
}

// List 返回公开且仍然有效的 hangout 列表。
func (s *HangoutService) List(ctx context.Context, limit int) ([]HangoutDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rows []models.Hangout
	if err := s.db.WithContext(ctx).Where("is_active = ? AND is_private = ?", true, false).Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list hangouts")
	}
	out := make([]HangoutDTO, 0, len(rows))
	for i := range rows {
		out = append(out, s.toDTO(&rows[i]))
	}
	return out, nil
}

// SettingsUpdate 中为 nil 的字段保持不变。
type SettingsUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Rules       *string `json:"rules"`
	Theme       *string `json:"theme"`
	BannerURL   *string `json:"banner_url"`
	IconURL     *string `json:"icon_url"`
	IsPrivate   *bool   `json:"is_private"`
	MaxCoAdmins *int    `json:"max_co_admins"`
}

// UpdateSettings 由 admin 或 co-admin 修改资料；co-admin 上限只有 admin 能改。
func (s *HangoutService) UpdateSettings(ctx context.Context, hangoutID, actorID uint, u SettingsUpdate) (*HangoutDTO, error) {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return nil, err
	}
	actor, err := requireModerator(tx, hangoutID, actorID, s.now())
	if err != nil {
		return nil, denyUnlessModerator(err, "only admins and co-admins can modify settings")
	}
	changes := map[string]any{}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if !validName(name) {
			return nil, apperr.Validation("hangout name must be 1-128 characters")
		}
		changes["name"] = name
	}
	if u.Description != nil {
		changes["description"] = *u.Description
	}
	if u.Rules != nil {
		changes["rules"] = *u.Rules
	}
	if u.Theme != nil {
		changes["theme"] = *u.Theme
	}
	if u.BannerURL != nil {
		changes["banner_url"] = *u.BannerURL
	}
	if u.IconURL != nil {
		changes["icon_url"] = *u.IconURL
	}
	if u.IsPrivate != nil {
		changes["is_private"] = *u.IsPrivate
	}
	if u.MaxCoAdmins != nil {
		if actor.Role != hangout.RoleAdmin {
			return nil, apperr.PermissionDenied("only the admin can change the co-admin limit")
		}
		if !validCoAdminCap(*u.MaxCoAdmins) {
			return nil, apperr.Validation("max co-admins must be between 1 and 5")
		}
		changes["max_co_admins"] = *u.MaxCoAdmins
	}
	if len(changes) > 0 {
		res := tx.Model(&models.Hangout{}).Where("id = ? AND is_active = ?", h.ID, true).Updates(changes)
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "update hangout settings")
		}
		if res.RowsAffected == 0 {
			return nil, ErrHangoutNotFound
		}
	}
	return s.Get(ctx, hangoutID, actorID)
}

// Deactivate 软删除 hangout，只有当前 admin 可以执行。
func (s *HangoutService) Deactivate(ctx context.Context, hangoutID, actorID uint) error {
	tx := s.db.WithContext(ctx)
	h, err := loadHangout(tx, hangoutID)
	if err != nil {
		return err
	}
	if h.AdminID != actorID {
		return ErrNotAdmin
	}
	res := tx.Model(&models.Hangout{}).
		Where("id = ? AND admin_id = ? AND is_active = ?", hangoutID, actorID, true).
		Updates(map[string]any{"is_active": false, "transfer_initiated_by": nil, "transfer_expires_at": nil})
	if res.Error != nil {
		return errors.Wrap(res.Error, "deactivate hangout")
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentChange
	}
	log.Info().Uint("hangout_id", hangoutID).Uint("user_id", actorID).Msg("hangout deactivated")
	return nil
}

// JoinByCode 通过邀请码加入：公开房间直接加入，私密房间需要走申请流程。
func (s *HangoutService) JoinByCode(ctx context.Context, userID uint, code string) (*HangoutDTO, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, apperr.Validation("join code is required")
	}
	tx := s.db.WithContext(ctx)
	var h models.Hangout
	if err := tx.Where("join_code = ? AND is_active = ?", code, true).First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHangoutNotFound
		}
		return nil, errors.Wrap(err, "find hangout by code")
	}
	now := s.now()
	if err := rejectBanned(tx, h.ID, userID, now, ErrBanned); err != nil {
		return nil, err
	}
	m, err := activeMember(tx, h.ID, userID)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return s.Get(ctx, h.ID, userID)
	}
	if h.IsPrivate {
		return nil, apperr.PermissionDenied("this hangout is private, send a join request instead")
	}
	if err := insertMember(tx, h.ID, userID, hangout.RoleMember, now); err != nil && !isUniqueViolation(errors.Cause(err)) {
		return nil, err
	}
	metrics.RoleChangesTotal.WithLabelValues("join").Inc()
	publish(ctx, s.pub, h.ID, hangout.Event{Type: hangout.EventJoin, UserID: userID})
	return s.Get(ctx, h.ID, userID)
}

func loadHangout(tx *gorm.DB, id uint) (*models.Hangout, error) {
	var h models.Hangout
	err := tx.Where("id = ? AND is_active = ?", id, true).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHangoutNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load hangout")
	}
	return &h, nil
}

// activeMember 返回用户当前的成员记录，不是成员时返回 nil, nil。
func activeMember(tx *gorm.DB, hangoutID, userID uint) (*models.Member, error) {
	var m models.Member
	err := tx.Where("hangout_id = ? AND user_id = ? AND left_at IS NULL", hangoutID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load member")
	}
	return &m, nil
}

// rejectBanned 检查用户在该 hangout 所有成员记录上的封禁，退出或被移除不会解除封禁。
func rejectBanned(tx *gorm.DB, hangoutID, userID uint, now time.Time, deny error) error {
	var n int64
	err := tx.Model(&models.Member{}).
		Where("hangout_id = ? AND user_id = ? AND is_banned = ? AND (ban_expiry IS NULL OR ban_expiry > ?)", hangoutID, userID, true, now).
		Count(&n).Error
	if err != nil {
		return errors.Wrap(err, "check ban")
	}
	if n > 0 {
		return deny
	}
	return nil
}

// denyUnlessModerator 只改写 ErrNotModerator 的提示，数据库错误原样返回。
func denyUnlessModerator(err error, msg string) error {
	if errors.Is(err, ErrNotModerator) {
		return apperr.PermissionDenied(msg)
	}
	return err
}

// requireModerator 要求用户是未被封禁的 admin 或 co-admin。
func requireModerator(tx *gorm.DB, hangoutID, userID uint, now time.Time) (*models.Member, error) {
	m, err := activeMember(tx, hangoutID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.Role.IsModerator() || m.BanActive(now) {
		return nil, ErrNotModerator
	}
	return m, nil
}

func insertMember(tx *gorm.DB, hangoutID, userID uint, role hangout.Role, now time.Time) error {
	m := models.Member{HangoutID: hangoutID, UserID: userID, Role: role, JoinedAt: now, LastActiveAt: now}
	if err := tx.Create(&m).Error; err != nil {
		return errors.Wrap(err, "insert member")
	}
	return nil
}
