// Package scheduler 周期性巡检到期的所有权移交与封禁。
// asynq 延迟任务未启用或丢失时，这里保证移交最终仍会发生。
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sweeper 由 service.HangoutService 实现。
type Sweeper interface {
	ExpireDueTransfers(ctx context.Context, now time.Time) (int, error)
	ClearExpiredBans(ctx context.Context, now time.Time) (int64, error)
}

type Scheduler struct {
	cron *gocron.Scheduler
	sw   Sweeper
	now  func() time.Time
}

// New 注册巡检任务，interval 不大于 0 时使用 60 秒。
func New(sw Sweeper, interval time.Duration) (*Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{cron: gocron.NewScheduler(time.UTC), sw: sw, now: time.Now}
	// 上一轮没跑完时跳过本轮
	if _, err := s.cron.Every(interval).SingletonMode().Do(s.tick); err != nil {
		return nil, errors.Wrap(err, "schedule sweep")
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.StartAsync() }

func (s *Scheduler) Stop() { s.cron.Stop() }

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Sweep(ctx)
}

// Sweep 执行一轮巡检，两个步骤互不影响。
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	transferred, err := s.sw.ExpireDueTransfers(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("sweep transfers")
	}
	if transferred > 0 {
		log.Info().Int("count", transferred).Msg("expired ownership transfers completed")
	}

	cleared, err := s.sw.ClearExpiredBans(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("sweep bans")
	}
	if cleared > 0 {
		log.Info().Int64("count", cleared).Msg("expired bans cleared")
	}
}
