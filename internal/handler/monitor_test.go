package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/monitor"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct {
	sessions int
	tickets  int
	err      error
}

func (s stubCounter) SessionCount(context.Context) (int, error) { return s.sessions, s.err }

func (s stubCounter) ServiceTicketCount(context.Context) (int, error) { return s.tickets, s.err }

func getSessionStatus(t *testing.T, counter monitor.Counter, cfg *monitor.Config) (*httptest.ResponseRecorder, monitor.SessionStatus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewMonitorHandler(monitor.NewSessionMonitor(counter, cfg), nil)
	router := gin.New()
	router.GET("/status/sessions", h.Sessions)

	req := httptest.NewRequest(http.MethodGet, "/status/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp struct {
		Code int `json:"code"`
		Data struct {
			Code               string `json:"code"`
			Description        string `json:"description"`
			SessionCount       int    `json:"session_count"`
			ServiceTicketCount int    `json:"service_ticket_count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	status := monitor.SessionStatus{
		Description:        resp.Data.Description,
		SessionCount:       resp.Data.SessionCount,
		ServiceTicketCount: resp.Data.ServiceTicketCount,
	}
	switch resp.Data.Code {
	case "OK":
		status.Code = monitor.StatusOK
	case "WARN":
		status.Code = monitor.StatusWarn
	}
	return w, status
}

func TestMonitorHandler_Sessions(t *testing.T) {
	tests := []struct {
		name     string
		counter  stubCounter
		cfg      *monitor.Config
		wantCode monitor.StatusCode
	}{
		{"低于阈值", stubCounter{sessions: 3, tickets: 4}, &monitor.Config{SessionCountWarnThreshold: 5}, monitor.StatusOK},
		{"会话数达到阈值", stubCounter{sessions: 5, tickets: 4}, &monitor.Config{SessionCountWarnThreshold: 5}, monitor.StatusWarn},
		{"未配置阈值", stubCounter{sessions: 100, tickets: 100}, &monitor.Config{}, monitor.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, status := getSessionStatus(t, tt.counter, tt.cfg)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantCode, status.Code)
			assert.Equal(t, tt.counter.sessions, status.SessionCount)
			assert.Equal(t, tt.counter.tickets, status.ServiceTicketCount)
			if tt.wantCode == monitor.StatusWarn {
				assert.Contains(t, status.Description, "Session count (5)")
			} else {
				assert.Empty(t, status.Description)
			}
		})
	}
}

func TestMonitorHandler_Unavailable(t *testing.T) {
	w, status := getSessionStatus(t, stubCounter{err: errors.New("connection refused")}, &monitor.Config{SessionCountWarnThreshold: 1})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, monitor.StatusUnknown, status.Code)
	assert.Contains(t, w.Body.String(), `"UNKNOWN"`)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.CodeUnavailable, resp.Code)
}
