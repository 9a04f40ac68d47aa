package server

import (
	"net/http"
	"time"

	"nexus/internal/auth"
	"nexus/internal/config"
	clog "nexus/internal/log"
	"nexus/internal/metrics"
	"nexus/internal/mw"
	"nexus/internal/service"
	"nexus/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是组装路由所需的全部依赖。
type Deps struct {
	Handler  *Handler
	Auth     *auth.Authenticator
	Broker   ws.Broker
	Messages *service.MessageService
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	h := d.Handler
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(clog.RequestLogger())
	r.Use(mw.CORS(cfg.Env))

	var userLimit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.RateLimitPerSecond > 0 {
		lim := rate.Limit(cfg.RateLimitPerSecond)
		// 控制单个 IP+路由的速率，登录后再按用户限速。
		r.Use(mw.RateLimit(mw.NewLimiter(lim, cfg.RateLimitBurst, 10*time.Minute), mw.ByIP))
		userLimit = mw.RateLimit(mw.NewLimiter(lim, cfg.RateLimitBurst, 10*time.Minute), mw.ByUser)
	}

	health := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok"}) }
	r.GET("/healthz", health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/health", health)
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	hg := api.Group("/hangout")
	hg.Use(d.Auth.Middleware(), userLimit)

	hg.POST("/rooms", h.CreateHangout)
	hg.GET("/rooms", h.ListHangouts)
	hg.POST("/join-by-id", h.JoinByCode)
	hg.POST("/invitations/:id/accept", h.AcceptInvitation)

	room := hg.Group("/rooms/:roomId")
	room.GET("", h.GetHangout)
	room.DELETE("", h.DeactivateHangout)
	room.PUT("/settings", h.UpdateSettings)
	room.POST("/leave", h.LeaveHangout)

	room.POST("/co-admin", h.AssignCoAdmin)
	room.DELETE("/co-admin/:userId", h.RemoveCoAdmin)
	room.POST("/transfer-ownership", h.TransferOwnership)
	room.POST("/initiate-transfer", h.InitiateTransfer)
	room.POST("/accept-transfer", h.AcceptTransfer)
	room.POST("/cancel-transfer", h.CancelTransfer)
	room.GET("/transfer", h.PendingTransfer)

	room.POST("/ban", h.BanUser)
	room.POST("/unban", h.UnbanUser)
	room.DELETE("/members/:userId", h.RemoveMember)
	room.GET("/members", h.ListMembers)
	room.GET("/requests", h.ListRequests)
	room.POST("/requests/:requestId", h.HandleJoinRequest)
	room.POST("/request-join", h.RequestToJoin)
	room.POST("/invite", h.InviteUser)
	room.GET("/user-role/:userId", h.UserRole)
	room.GET("/permissions/:userId", h.Permissions)

	room.GET("/messages", h.ListMessages)
	room.POST("/messages", h.SendMessage)

	msg := hg.Group("/messages/:id")
	msg.POST("/lock", h.LockMessage)
	msg.POST("/unlock", h.UnlockMessage)
	msg.POST("/restrict-deletion", h.RestrictDeletion)
	msg.POST("/unrestrict-deletion", h.UnrestrictDeletion)
	msg.GET("/can-delete", h.CanDelete)
	msg.GET("/status", h.MessageStatus)
	msg.DELETE("", h.DeleteMessage)

	r.GET("/ws", ws.Serve(d.Broker, d.Auth, d.Messages))
	return r
}
