// Package queue 用 asynq 投递与消费延迟任务，目前只有所有权移交到期一种任务。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TypeTransferExpire 是移交到期任务的类型名。
const TypeTransferExpire = "hangout:transfer_expire"

type TransferExpirePayload struct {
	HangoutID uint      `json:"hangout_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// transferTaskID 对同一次移交生成固定的任务 id，重复投递会被 asynq 拒绝。
func transferTaskID(hangoutID uint, at time.Time) string {
	name := strconv.FormatUint(uint64(hangoutID), 10) + "@" + strconv.FormatInt(at.UTC().UnixNano(), 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(TypeTransferExpire+":"+name)).String()
}

func NewTransferExpireTask(hangoutID uint, at time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(TransferExpirePayload{HangoutID: hangoutID, ExpiresAt: at.UTC()})
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return asynq.NewTask(TypeTransferExpire, payload), nil
}

// ===================== Client =====================

// Scheduler 实现 service.TransferScheduler。
type Scheduler struct {
	client *asynq.Client
}

func NewScheduler(redisURL string) (*Scheduler, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "asynq: parse redis url")
	}
	return &Scheduler{client: asynq.NewClient(opt)}, nil
}

func (s *Scheduler) ScheduleTransferExpiry(ctx context.Context, hangoutID uint, at time.Time) error {
	task, err := NewTransferExpireTask(hangoutID, at)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(at),
		asynq.TaskID(transferTaskID(hangoutID, at)),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return errors.Wrap(err, "asynq: enqueue transfer expiry")
}

func (s *Scheduler) Close() error { return s.client.Close() }

// ===================== Server =====================

// TransferExpirer 由 service.HangoutService 实现。
type TransferExpirer interface {
	ExpireTransfer(ctx context.Context, hangoutID uint, now time.Time) (bool, error)
}

// HandleTransferExpire 处理到期任务。移交已被接受、取消或重新发起时 ExpireTransfer 不做任何事。
func HandleTransferExpire(exp TransferExpirer, now func() time.Time) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p TransferExpirePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.HangoutID == 0 {
			return fmt.Errorf("bad transfer expire payload: %v: %w", err, asynq.SkipRetry)
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		done, err := exp.ExpireTransfer(ctx, p.HangoutID, now())
		if err != nil {
			return err
		}
		log.Debug().Uint("hangout_id", p.HangoutID).Bool("transferred", done).Msg("transfer expire task")
		return nil
	}
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redisURL string, exp TransferExpirer) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "asynq: parse redis url")
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{"default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("task", task.Type()).Msg("asynq task failed")
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeTransferExpire, HandleTransferExpire(exp, time.Now))
	return &Worker{server: srv, mux: mux}, nil
}

// Run 启动消费者并阻塞到 ctx 取消，然后优雅退出。
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return errors.Wrap(err, "asynq: start")
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}
