package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/monitor"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"go.uber.org/zap"
)

// StatusObserver 会话状态观测
type StatusObserver interface {
	Observe(ctx context.Context) (*monitor.SessionStatus, error)
}

// MonitorHandler 监控处理器
type MonitorHandler struct {
	observer StatusObserver
	logger   *zap.Logger
}

// NewMonitorHandler 创建监控处理器
func NewMonitorHandler(observer StatusObserver, logger *zap.Logger) *MonitorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitorHandler{observer: observer, logger: logger}
}

// Sessions 会话数量健康状态
// GET /status/sessions
func (h *MonitorHandler) Sessions(c *gin.Context) {
	status, err := h.observer.Observe(c.Request.Context())
	if err != nil {
		h.logger.Warn("会话监控不可用", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, response.Response{
			Code: response.CodeUnavailable,
			Msg:  response.Message(response.CodeUnavailable),
			Data: monitor.SessionStatus{Code: monitor.StatusUnknown, Description: err.Error()},
		})
		return
	}
	// WARN 仍返回 200，由调用方根据 code 判断
	response.Success(c, status)
}
