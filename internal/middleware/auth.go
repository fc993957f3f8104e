package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
)

// AuthenticationKey 校验通过的认证结果在 gin 上下文中的键
const AuthenticationKey = "authentication"

// PrincipalAssertion 登录断言中间件
// 认证服务在用户通过凭据校验后签发断言，请求以 Bearer 方式携带。
func PrincipalAssertion(verifier service.PrincipalVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.ErrorWithMsg(c, response.CodeInvalidAssertion, "未提供登录断言")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.ErrorWithMsg(c, response.CodeInvalidAssertion, "登录断言格式错误")
			c.Abort()
			return
		}

		auth, err := verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			if errors.Is(err, service.ErrAssertionExpired) {
				response.ErrorWithMsg(c, response.CodeInvalidAssertion, "登录断言已过期")
			} else {
				response.Error(c, response.CodeInvalidAssertion)
			}
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(AuthenticationKey, auth)
		c.Next()
	}
}

// GetAuthentication 读取中间件写入的认证结果
func GetAuthentication(c *gin.Context) (*ticket.Authentication, bool) {
	v, ok := c.Get(AuthenticationKey)
	if !ok {
		return nil, false
	}
	auth, ok := v.(*ticket.Authentication)
	return auth, ok
}
