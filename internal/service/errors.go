package service

import (
	"context"
	"strings"

	"nexus/internal/apperr"
	"nexus/internal/hangout"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// 业务层通用错误，handler 通过 apperr.CodeOf 映射到 HTTP 状态码。
var (
	ErrUsernameTaken      = apperr.Conflict("username taken")
	ErrInvalidCredentials = apperr.New(apperr.CodeUnauthenticated, "invalid credentials")
	ErrHangoutNotFound    = apperr.NotFound("hangout not found")
	ErrMessageNotFound    = apperr.NotFound("message not found")
	ErrMemberNotFound     = apperr.NotFound("user is not a member of this hangout")
	ErrRequestNotFound    = apperr.NotFound("join request not found")
	ErrInviteNotFound     = apperr.NotFound("invitation not found")
	ErrUserNotFound       = apperr.NotFound("user not found")
	ErrNotMember          = apperr.PermissionDenied("you are not a member of this hangout")
	ErrNotModerator       = apperr.PermissionDenied("only admins and co-admins can do this")
	ErrNotAdmin           = apperr.PermissionDenied("only the admin can do this")
	ErrBanned             = apperr.PermissionDenied("you are banned from this hangout")
	errUserBanned         = apperr.PermissionDenied("user is banned from this hangout")
	ErrAlreadyLocked      = apperr.New(apperr.CodeAlreadyLocked, "message is already locked")
	ErrAlreadyResolved    = apperr.New(apperr.CodeAlreadyResolved, "request has already been handled")
	ErrCoAdminLimit       = apperr.New(apperr.CodeLimitExceeded, "co-admin limit reached")
	ErrConcurrentChange   = apperr.Conflict("hangout changed concurrently, please retry")
	ErrNoPendingTransfer  = apperr.Validation("no ownership transfer is pending")
)

// Publisher 把领域事件投递到实时通道，ws.Hub 与 ws.RedisBroker 都实现了它。
type Publisher interface {
	Publish(ctx context.Context, hangoutID uint, ev hangout.Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, uint, hangout.Event) error { return nil }

func orNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}

// publish 在事务提交后调用，失败只记日志，不影响已经落库的结果。
func publish(ctx context.Context, p Publisher, hangoutID uint, ev hangout.Event) {
	ev.HangoutID = hangoutID
	if err := p.Publish(ctx, hangoutID, ev); err != nil {
		log.Warn().Err(err).Uint("hangout_id", hangoutID).Str("event", string(ev.Type)).Msg("publish event")
	}
}

// isUniqueViolation 识别 Postgres 23505 与 SQLite 的唯一约束冲突。
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
