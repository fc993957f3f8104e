package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 标准响应结构
// 字段顺序：code -> msg -> data
type Response struct {
	Code int         `json:"code"` // 业务状态码，0 表示成功
	Msg  string      `json:"msg"`  // 响应消息（中文）
	Data interface{} `json:"data"` // 响应数据
}

// 业务错误码
const (
	CodeSuccess = 0 // 操作成功

	// 参数错误 10xxx
	CodeInvalidRequest = 10001 // 请求参数无效
	CodeInvalidFormat  = 10002 // 参数格式错误
	CodeMissingParam   = 10003 // 必填参数缺失
	CodeInvalidService = 10004 // 服务地址无效

	// 认证错误 20xxx
	CodeInvalidAssertion = 20001 // 登录断言无效或已过期
	CodeInvalidTicket    = 20002 // 票据无效或已过期
	CodeTicketConsumed   = 20003 // 票据已被使用
	CodeServiceMismatch  = 20004 // 票据与服务不匹配
	CodeProxyGranted     = 20005 // 票据已派生过代理票据
	CodeForbidden        = 20008 // 无权访问该资源

	// 服务器错误 90xxx
	CodeServerError = 90001 // 服务器内部错误
	CodeUnavailable = 90002 // 服务暂时不可用
	CodeTooManyReq  = 90003 // 请求过于频繁
)

// 错误码对应的消息
var codeMessages = map[int]string{
	CodeSuccess:          "操作成功",
	CodeInvalidRequest:   "请求参数无效",
	CodeInvalidFormat:    "参数格式错误",
	CodeMissingParam:     "必填参数缺失",
	CodeInvalidService:   "服务地址无效",
	CodeInvalidAssertion: "登录断言无效或已过期",
	CodeInvalidTicket:    "票据无效或已过期",
	CodeTicketConsumed:   "票据已被使用",
	CodeServiceMismatch:  "票据与服务不匹配",
	CodeProxyGranted:     "该票据已派生过代理票据",
	CodeForbidden:        "无权访问该资源",
	CodeServerError:      "服务器内部错误，请稍后重试",
	CodeUnavailable:      "服务暂时不可用",
	CodeTooManyReq:       "请求过于频繁，请稍后重试",
}

// Message 错误码对应的默认消息
func Message(code int) string {
	msg, ok := codeMessages[code]
	if !ok {
		return "未知错误"
	}
	return msg
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  codeMessages[CodeSuccess],
		Data: data,
	})
}

// SuccessWithMsg 成功响应（自定义消息）
func SuccessWithMsg(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  msg,
		Data: data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int) {
	c.JSON(HTTPStatus(code), Response{
		Code: code,
		Msg:  Message(code),
		Data: nil,
	})
}

// ErrorWithMsg 错误响应（自定义消息）
func ErrorWithMsg(c *gin.Context, code int, msg string) {
	c.JSON(HTTPStatus(code), Response{
		Code: code,
		Msg:  msg,
		Data: nil,
	})
}

// ErrorWithData 错误响应（附带数据）
func ErrorWithData(c *gin.Context, code int, data interface{}) {
	c.JSON(HTTPStatus(code), Response{
		Code: code,
		Msg:  Message(code),
		Data: data,
	})
}

// HTTPStatus 业务错误码转 HTTP 状态码
func HTTPStatus(code int) int {
	switch {
	case code == CodeSuccess:
		return http.StatusOK
	case code >= 10000 && code < 20000:
		return http.StatusBadRequest
	case code == CodeInvalidAssertion:
		return http.StatusUnauthorized
	case code == CodeForbidden:
		return http.StatusForbidden
	case code >= 20000 && code < 30000:
		// 票据类错误统一按请求错误处理，不区分票据是否存在
		return http.StatusBadRequest
	case code == CodeUnavailable:
		return http.StatusServiceUnavailable
	case code == CodeTooManyReq:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
