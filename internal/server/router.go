package server

import (
	"net/http"
	"time"

	"github.com/ramanand00/Nuvyra-x/internal/auth"
	"github.com/ramanand00/Nuvyra-x/internal/config"
	"github.com/ramanand00/Nuvyra-x/internal/metrics"
	"github.com/ramanand00/Nuvyra-x/internal/mw"
	"github.com/ramanand00/Nuvyra-x/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, hub *ws.Hub, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.CORS(cfg.Env))
	r.Use(metrics.GinMiddleware())
	// 控制单个 IP+路由的速率，移动端轮询不至于刷爆后端。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.POST("/auth/register", h.Register)
	api.POST("/auth/verify", h.VerifyCode)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))

	authed.POST("/auth/change-password", h.ChangePassword)

	authed.GET("/users/search", h.SearchUsers)
	authed.GET("/users/:id", h.GetUser)

	authed.GET("/chats", h.ListChats)
	authed.POST("/chats", h.CreateChat)
	authed.GET("/chats/:chatId", h.GetChat)
	authed.POST("/chats/:chatId/messages", h.SendMessage)

	r.GET("/ws", ws.Serve(hub, db, cfg))

	return r
}
