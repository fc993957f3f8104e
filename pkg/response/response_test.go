package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want int
	}{
		{CodeSuccess, http.StatusOK},
		{CodeMissingParam, http.StatusBadRequest},
		{CodeInvalidService, http.StatusBadRequest},
		{CodeInvalidAssertion, http.StatusUnauthorized},
		{CodeInvalidTicket, http.StatusBadRequest},
		{CodeTicketConsumed, http.StatusBadRequest},
		{CodeForbidden, http.StatusForbidden},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeTooManyReq, http.StatusTooManyRequests},
		{CodeServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.code), "code %d", tt.code)
	}
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "票据无效或已过期", Message(CodeInvalidTicket))
	assert.Equal(t, "未知错误", Message(12345))
}

func TestError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	ErrorWithData(c, CodeUnavailable, gin.H{"code": "UNKNOWN"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, CodeUnavailable, resp.Code)
	assert.Equal(t, Message(CodeUnavailable), resp.Msg)
	assert.Equal(t, map[string]interface{}{"code": "UNKNOWN"}, resp.Data)
}
