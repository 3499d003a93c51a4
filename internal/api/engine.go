package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type EngineConfig struct {
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
}

// NewEngine wires the middleware chain and every route.
func NewEngine(config EngineConfig, handler Handler, authenticator Authenticator, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.CORSOrigins) == 0 || lo.Contains(config.CORSOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.CORSOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AddAllowHeaders("authorization")
	r.Use(cors.New(corsConfig))

	r.Use(RequestLogger(logger))
	r.Use(ErrorHandler(logger))
	if config.RateRPS > 0 {
		r.Use(RateLimit(config.RateRPS, config.RateBurst))
	}

	authenticated := r.Group("")
	authenticated.Use(Authentication(authenticator))

	authenticated.POST("/events/:eventId/chat", handler.PostMessage)
	authenticated.GET("/events/:eventId/chat", handler.History)
	authenticated.POST("/events/:eventId/report", handler.Report)
	authenticated.POST("/events/:eventId/announcements", handler.Announce)

	authenticated.GET("/notifications", handler.Notifications)
	authenticated.PUT("/notifications/:id/read", handler.MarkRead)

	return r
}
