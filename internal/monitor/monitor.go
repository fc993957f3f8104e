// Package monitor 会话监控：读取注册表中的会话与服务票据数量，按阈值判定健康状态
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrMonitorUnavailable 注册表不可用，无法得出状态
var ErrMonitorUnavailable = errors.New("会话监控不可用")

// StatusCode 健康状态
type StatusCode int

const (
	StatusUnknown StatusCode = iota
	StatusOK
	StatusWarn
)

// String 状态名称
func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusWarn:
		return "WARN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText JSON 中以名称输出
func (c StatusCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// SessionStatus 一次观测的结果
type SessionStatus struct {
	Code               StatusCode `json:"code"`
	Description        string     `json:"description,omitempty"` // 仅非 OK 时填写
	SessionCount       int        `json:"session_count"`
	ServiceTicketCount int        `json:"service_ticket_count"`
}

// Counter 监控所需的注册表能力
type Counter interface {
	SessionCount(ctx context.Context) (int, error)
	ServiceTicketCount(ctx context.Context) (int, error)
}

// Config 监控配置，阈值小于等于 0 表示不检查
type Config struct {
	SessionCountWarnThreshold       int
	ServiceTicketCountWarnThreshold int
	Logger                          *zap.Logger
}

// SessionMonitor 会话监控，只读，可并发调用
type SessionMonitor struct {
	counter                Counter
	sessionThreshold       int
	serviceTicketThreshold int
	logger                 *zap.Logger
}

// NewSessionMonitor 创建会话监控
func NewSessionMonitor(counter Counter, config *Config) *SessionMonitor {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionMonitor{
		counter:                counter,
		sessionThreshold:       config.SessionCountWarnThreshold,
		serviceTicketThreshold: config.ServiceTicketCountWarnThreshold,
		logger:                 logger,
	}
}

// Observe 读取数量并判定状态
// 注册表访问失败时返回 ErrMonitorUnavailable，不返回推测的状态。
func (m *SessionMonitor) Observe(ctx context.Context) (*SessionStatus, error) {
	sessions, err := m.counter.SessionCount(ctx)
	if err != nil {
		m.logger.Warn("读取会话数量失败", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMonitorUnavailable, err)
	}
	serviceTickets, err := m.counter.ServiceTicketCount(ctx)
	if err != nil {
		m.logger.Warn("读取服务票据数量失败", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMonitorUnavailable, err)
	}

	status := &SessionStatus{
		Code:               StatusOK,
		SessionCount:       sessions,
		ServiceTicketCount: serviceTickets,
	}

	var warnings []string
	if exceeds(sessions, m.sessionThreshold) {
		warnings = append(warnings, fmt.Sprintf("Session count (%d) is at or above threshold %d", sessions, m.sessionThreshold))
	}
	if exceeds(serviceTickets, m.serviceTicketThreshold) {
		warnings = append(warnings, fmt.Sprintf("Service ticket count (%d) is at or above threshold %d", serviceTickets, m.serviceTicketThreshold))
	}
	if len(warnings) > 0 {
		status.Code = StatusWarn
		status.Description = strings.Join(warnings, "; ")
		m.logger.Warn("会话数量超过阈值",
			zap.Int("session_count", sessions),
			zap.Int("service_ticket_count", serviceTickets),
			zap.String("description", status.Description),
		)
	}
	return status, nil
}

func exceeds(count, threshold int) bool {
	return threshold > 0 && count >= threshold
}
