package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/middleware"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"go.uber.org/zap"
)

// RouterConfig 路由依赖
type RouterConfig struct {
	Tickets  *TicketHandler
	Monitor  *MonitorHandler
	Verifier service.PrincipalVerifier
	Logger   *zap.Logger
}

// NewRouter 创建路由
func NewRouter(cfg *RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))

	router.GET("/status/sessions", cfg.Monitor.Sessions)

	v1 := router.Group("/v1")
	v1.Use(middleware.SecureHeaders())
	{
		v1.POST("/tickets", middleware.PrincipalAssertion(cfg.Verifier), cfg.Tickets.CreateTGT)
		v1.GET("/tickets/:tgt", cfg.Tickets.GetTGT)
		v1.POST("/tickets/:tgt", cfg.Tickets.GrantST)
		v1.DELETE("/tickets/:tgt", cfg.Tickets.DestroyTGT)
		v1.POST("/validate", cfg.Tickets.Validate)

		v1.POST("/proxy-granting-tickets", cfg.Tickets.GrantPGT)
		v1.POST("/proxy-granting-tickets/:pgt", cfg.Tickets.GrantPT)
	}

	return router
}
