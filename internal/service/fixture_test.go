package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/config"
	"nexus/internal/db"
	"nexus/internal/hangout"
	"nexus/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recorder struct {
	mu     sync.Mutex
	events []hangout.Event
}

func (r *recorder) Publish(_ context.Context, _ uint, ev hangout.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []hangout.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hangout.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type scheduled struct {
	hangoutID uint
	at        time.Time
}

type fakeScheduler struct{ calls []scheduled }

func (f *fakeScheduler) ScheduleTransferExpiry(_ context.Context, hangoutID uint, at time.Time) error {
	f.calls = append(f.calls, scheduled{hangoutID, at})
	return nil
}

type fixture struct {
	db        *gorm.DB
	pub       *recorder
	clock     time.Time
	hangouts  *HangoutService
	integrity *IntegrityService
	messages  *MessageService
	users     *UserService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := &fixture{db: gdb, pub: &recorder{}, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	now := func() time.Time { return f.clock }
	cfg := config.Config{JWTSecret: "test", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7, MaxCoAdmins: 3, TransferWindowHours: 48}

	f.hangouts = NewHangoutService(gdb, cfg, f.pub)
	f.hangouts.now = now
	f.integrity = NewIntegrityService(gdb, f.pub)
	f.integrity.now = now
	f.messages = NewMessageService(gdb, f.pub)
	f.messages.now = now
	f.users = NewUserService(gdb, cfg)
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) user(t *testing.T, name string) uint {
	t.Helper()
	u := models.User{Username: name, PasswordHash: "x"}
	require.NoError(t, f.db.Create(&u).Error)
	return u.ID
}

func (f *fixture) hangout(t *testing.T, adminID uint, maxCoAdmins int) uint {
	t.Helper()
	h, err := f.hangouts.Create(context.Background(), adminID, CreateParams{Name: "room", MaxCoAdmins: maxCoAdmins})
	require.NoError(t, err)
	return h.ID
}

func (f *fixture) join(t *testing.T, hangoutID, userID uint) {
	t.Helper()
	require.NoError(t, insertMember(f.db, hangoutID, userID, hangout.RoleMember, f.clock))
}

func (f *fixture) coAdmin(t *testing.T, hangoutID, adminID, userID uint) {
	t.Helper()
	f.join(t, hangoutID, userID)
	require.NoError(t, f.hangouts.AssignCoAdmin(context.Background(), hangoutID, adminID, userID))
}

func (f *fixture) member(t *testing.T, hangoutID, userID uint) *models.Member {
	t.Helper()
	m, err := activeMember(f.db, hangoutID, userID)
	require.NoError(t, err)
	return m
}

func (f *fixture) role(t *testing.T, hangoutID, userID uint) hangout.Role {
	t.Helper()
	r, err := f.hangouts.UserRole(context.Background(), hangoutID, userID, userID)
	require.NoError(t, err)
	return r
}

// requireSingleAdmin checks the one-admin invariant and that hangouts.admin_id agrees with it.
func (f *fixture) requireSingleAdmin(t *testing.T, hangoutID uint) uint {
	t.Helper()
	var admins []models.Member
	require.NoError(t, f.db.Where("hangout_id = ? AND role = ? AND left_at IS NULL", hangoutID, hangout.RoleAdmin).Find(&admins).Error)
	require.Len(t, admins, 1)
	var h models.Hangout
	require.NoError(t, f.db.First(&h, hangoutID).Error)
	require.Equal(t, h.AdminID, admins[0].UserID)
	return admins[0].UserID
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apperr.CodeOf(err), err.Error())
}
