package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"go.uber.org/zap"
)

// Recovery 恢复中间件
// 捕获 panic，记录日志，返回友好错误
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Get(RequestIDKey)

				logger.Error("服务器内部错误",
					zap.Any("request_id", requestID),
					zap.Any("error", r),
					zap.String("stack", string(debug.Stack())),
					zap.String("path", c.FullPath()),
					zap.String("method", c.Request.Method),
					zap.String("ip", c.ClientIP()),
				)

				c.AbortWithStatusJSON(response.HTTPStatus(response.CodeServerError), response.Response{
					Code: response.CodeServerError,
					Msg:  response.Message(response.CodeServerError),
					Data: nil,
				})
			}
		}()
		c.Next()
	}
}
