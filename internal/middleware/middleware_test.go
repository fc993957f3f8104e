package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestLogger 测试日志中间件
func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(Logger(zap.New(core)))
	router.GET("/v1/tickets/:tgt", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	// 发送请求
	req := httptest.NewRequest(http.MethodGet, "/v1/tickets/TGT-SECRET", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 验证响应
	if w.Code != http.StatusOK {
		t.Errorf("期望状态码 200, 实际 %d", w.Code)
	}

	// 验证 X-Request-ID 头
	requestID := w.Header().Get("X-Request-ID")
	if requestID == "" {
		t.Error("期望 X-Request-ID 头存在")
	}

	// 日志只记录路由模板，不记录票据 ID
	entries := logs.FilterMessage("HTTP 请求").All()
	if len(entries) != 1 {
		t.Fatalf("期望 1 条请求日志, 实际 %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/v1/tickets/:tgt" {
		t.Errorf("期望 path 为路由模板, 实际 %v", fields["path"])
	}
	if fields["request_id"] != requestID {
		t.Errorf("期望日志中的 request_id 为 %s, 实际 %v", requestID, fields["request_id"])
	}
}

// TestLoggerWithRequestID 测试日志中间件使用已有的请求 ID
func TestLoggerWithRequestID(t *testing.T) {
	router := gin.New()
	router.Use(Logger(zap.NewNop()))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	// 发送带有 X-Request-ID 的请求
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "custom-request-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 验证响应中的 X-Request-ID 与请求中的一致
	requestID := w.Header().Get("X-Request-ID")
	if requestID != "custom-request-id" {
		t.Errorf("期望 X-Request-ID 为 custom-request-id, 实际 %s", requestID)
	}
}

// TestRecovery 测试恢复中间件
func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	logger := zap.New(core)

	router := gin.New()
	router.Use(Logger(logger)) // Recovery 依赖 Logger 设置的 request_id
	router.Use(Recovery(logger))
	router.GET("/panic", func(c *gin.Context) {
		panic("测试 panic")
	})

	// 发送请求
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// 验证返回 500 状态码
	if w.Code != http.StatusInternalServerError {
		t.Errorf("期望状态码 500, 实际 %d", w.Code)
	}

	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Code != response.CodeServerError {
		t.Errorf("期望业务码 %d, 实际 %d", response.CodeServerError, resp.Code)
	}
	if logs.FilterMessage("服务器内部错误").Len() != 1 {
		t.Error("期望记录 panic 日志")
	}
}

// TestSecureHeaders 测试安全响应头
func TestSecureHeaders(t *testing.T) {
	router := gin.New()
	router.Use(SecureHeaders())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
		"Cache-Control":          "no-store",
		"Pragma":                 "no-cache",
	}
	for k, v := range headers {
		if got := w.Header().Get(k); got != v {
			t.Errorf("期望 %s 为 %s, 实际 %s", k, v, got)
		}
	}
}

// stubVerifier 固定结果的断言校验器
type stubVerifier struct {
	auth *ticket.Authentication
	err  error
}

func (s stubVerifier) Verify(_ context.Context, assertion string) (*ticket.Authentication, error) {
	if assertion != "good" {
		return nil, s.err
	}
	return s.auth, nil
}

// TestPrincipalAssertion 测试登录断言中间件
func TestPrincipalAssertion(t *testing.T) {
	verifier := stubVerifier{
		auth: &ticket.Authentication{Principal: ticket.Principal{ID: "casuser"}},
		err:  errors.New("bad signature"),
	}

	router := gin.New()
	router.POST("/tickets", PrincipalAssertion(verifier), func(c *gin.Context) {
		auth, ok := GetAuthentication(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.String(http.StatusOK, auth.Principal.ID)
	})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"有效断言", "Bearer good", http.StatusOK, "casuser"},
		{"缺少断言", "", http.StatusUnauthorized, ""},
		{"非 Bearer", "Basic good", http.StatusUnauthorized, ""},
		{"断言无效", "Bearer bad", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/tickets", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("期望状态码 %d, 实际 %d", tt.wantStatus, w.Code)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("期望响应 %s, 实际 %s", tt.wantBody, w.Body.String())
			}
		})
	}
}

// TestPrincipalAssertionExpired 过期断言返回专门的提示
func TestPrincipalAssertionExpired(t *testing.T) {
	router := gin.New()
	router.POST("/tickets", PrincipalAssertion(stubVerifier{err: service.ErrAssertionExpired}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/tickets", nil)
	req.Header.Set("Authorization", "Bearer stale")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Code != response.CodeInvalidAssertion || resp.Msg != "登录断言已过期" {
		t.Errorf("期望过期提示, 实际 %d %s", resp.Code, resp.Msg)
	}
}
