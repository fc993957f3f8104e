// Package logger 构建全局 zap 日志实例
package logger

import (
	"fmt"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 按配置构建日志实例
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.MessageKey = "msg"

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("无效的日志级别 %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}

	return zc.Build()
}
