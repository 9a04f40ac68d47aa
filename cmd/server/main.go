package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nexus/internal/auth"
	"nexus/internal/config"
	"nexus/internal/db"
	clog "nexus/internal/log"
	"nexus/internal/queue"
	"nexus/internal/scheduler"
	"nexus/internal/server"
	"nexus/internal/service"
	"nexus/internal/ws"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// .env 只在本地开发时存在
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 配置了 Redis 时事件走 Pub/Sub，可以多实例部署；否则使用进程内 Hub。
	var broker ws.Broker = ws.NewHub()
	if cfg.RedisURL != "" {
		rb, err := ws.NewRedisBroker(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis broker")
		}
		defer rb.Close()
		broker = rb
	}

	userSvc := service.NewUserService(gdb, cfg)
	hangoutSvc := service.NewHangoutService(gdb, cfg, broker)
	msgSvc := service.NewMessageService(gdb, broker)
	integritySvc := service.NewIntegrityService(gdb, broker)

	if cfg.RedisURL != "" {
		sched, err := queue.NewScheduler(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("asynq scheduler")
		}
		defer sched.Close()
		hangoutSvc.SetTransferScheduler(sched)

		worker, err := queue.NewWorker(cfg.RedisURL, hangoutSvc)
		if err != nil {
			log.Fatal().Err(err).Msg("asynq worker")
		}
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("asynq worker stopped")
			}
		}()
	}

	sweeper, err := scheduler.New(hangoutSvc, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("sweeper")
	}
	sweeper.Start()
	defer sweeper.Stop()

	r := server.SetupRouter(cfg, server.Deps{
		Handler:  server.NewHandler(userSvc, hangoutSvc, msgSvc, integritySvc),
		Auth:     auth.NewAuthenticator(cfg, gdb),
		Broker:   broker,
		Messages: msgSvc,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Bool("redis", cfg.RedisURL != "").Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}
