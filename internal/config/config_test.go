package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/registry"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("创建测试配置文件失败: %v", err)
	}
	return configPath
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  addr: ":9090"
  mode: "release"
  read_timeout: "15s"
  write_timeout: "15s"

registry:
  backend: "redis"
  key_prefix: "sso:"
  digest_key: "k3y"

redis:
  addr: "testredis:6380"
  password: "redispass"
  db: 1

ticket:
  id_suffix: "node1"
  tgt:
    kind: "tgt"
    max_time_to_live: "4h"
    time_to_kill: "30m"
  st:
    kind: "multi-time-use"
    number_of_uses: 2
    time_to_kill: "20s"
  only_track_most_recent_session: true

monitor:
  session_count_warn_threshold: 100
  service_ticket_count_warn_threshold: 500

cleaner:
  interval: "30s"
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	// 验证服务器配置
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr 期望 :9090, 实际 %s", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout 期望 15s, 实际 %s", cfg.Server.ReadTimeout)
	}

	// 验证注册表配置
	if cfg.Registry.Backend != registry.BackendRedis {
		t.Errorf("Registry.Backend 期望 redis, 实际 %s", cfg.Registry.Backend)
	}
	if cfg.Registry.KeyPrefix != "sso:" {
		t.Errorf("Registry.KeyPrefix 期望 sso:, 实际 %s", cfg.Registry.KeyPrefix)
	}
	if cfg.Redis.DB != 1 {
		t.Errorf("Redis.DB 期望 1, 实际 %d", cfg.Redis.DB)
	}

	// 验证票据策略
	tgtPolicy, err := cfg.Ticket.TGT.Policy()
	if err != nil {
		t.Fatalf("构造 TGT 策略失败: %v", err)
	}
	want := ticket.TicketGrantingTicketPolicy{MaxTimeToLive: 4 * time.Hour, TimeToKill: 30 * time.Minute}
	if tgtPolicy != want {
		t.Errorf("TGT 策略期望 %+v, 实际 %+v", want, tgtPolicy)
	}
	stPolicy, err := cfg.Ticket.ST.Policy()
	if err != nil {
		t.Fatalf("构造 ST 策略失败: %v", err)
	}
	if stPolicy != (ticket.MultiTimeUseOrTimeoutPolicy{NumberOfUses: 2, TimeToKill: 20 * time.Second}) {
		t.Errorf("ST 策略不符: %+v", stPolicy)
	}
	if !cfg.Ticket.OnlyTrackMostRecentSession {
		t.Error("OnlyTrackMostRecentSession 期望 true")
	}

	// 验证监控与清理
	if cfg.Monitor.SessionCountWarnThreshold != 100 {
		t.Errorf("SessionCountWarnThreshold 期望 100, 实际 %d", cfg.Monitor.SessionCountWarnThreshold)
	}
	if cfg.Cleaner.Interval != 30*time.Second {
		t.Errorf("Cleaner.Interval 期望 30s, 实际 %s", cfg.Cleaner.Interval)
	}
}

// TestLoadDefaults 测试默认配置
func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	// 验证默认值
	if cfg.Server.Addr != ":8080" {
		t.Errorf("默认 Server.Addr 期望 :8080, 实际 %s", cfg.Server.Addr)
	}
	if cfg.Registry.Backend != registry.BackendMemory {
		t.Errorf("默认 Registry.Backend 期望 memory, 实际 %s", cfg.Registry.Backend)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("默认 Redis.Addr 期望 localhost:6379, 实际 %s", cfg.Redis.Addr)
	}
	if cfg.Monitor.SessionCountWarnThreshold != 0 || cfg.Monitor.ServiceTicketCountWarnThreshold != 0 {
		t.Error("默认阈值应为 0（不检查）")
	}

	tgtPolicy, err := cfg.Ticket.TGT.Policy()
	if err != nil {
		t.Fatalf("构造默认 TGT 策略失败: %v", err)
	}
	if tgtPolicy.TimeToLive() != ticket.DefaultTGTMaxTimeToLive {
		t.Errorf("默认 TGT 最长存活期望 %s, 实际 %s", ticket.DefaultTGTMaxTimeToLive, tgtPolicy.TimeToLive())
	}
	stPolicy, err := cfg.Ticket.ST.Policy()
	if err != nil {
		t.Fatalf("构造默认 ST 策略失败: %v", err)
	}
	if stPolicy != (ticket.MultiTimeUseOrTimeoutPolicy{NumberOfUses: 1, TimeToKill: 10 * time.Second}) {
		t.Errorf("默认 ST 策略不符: %+v", stPolicy)
	}
}

// TestGet 测试获取全局配置
func TestGet(t *testing.T) {
	configPath := writeConfig(t, `
server:
  addr: ":8888"
`)

	// 加载配置
	if _, err := LoadFromFile(configPath); err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	// 获取全局配置
	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() 返回 nil")
	}
	if cfg.Server.Addr != ":8888" {
		t.Errorf("Get().Server.Addr 期望 :8888, 实际 %s", cfg.Server.Addr)
	}
}

// TestLoadFromFileNotFound 测试加载不存在的配置文件
func TestLoadFromFileNotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("期望返回错误，但没有")
	}
}

// TestLoadInvalid 测试非法配置
func TestLoadInvalid(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, `
registry:
  backend: "etcd"
`))
	if !errors.Is(err, registry.ErrUnsupportedBackend) {
		t.Errorf("期望 ErrUnsupportedBackend, 实际 %v", err)
	}

	_, err = LoadFromFile(writeConfig(t, `
ticket:
  st:
    kind: "multi-time-use"
    number_of_uses: 0
`))
	if !errors.Is(err, ticket.ErrInvalidPolicy) {
		t.Errorf("期望 ErrInvalidPolicy, 实际 %v", err)
	}
}

// TestEnvOverride 测试环境变量覆盖
func TestEnvOverride(t *testing.T) {
	t.Setenv("UAC_CAS_REDIS_ADDR", "envredis:6379")
	t.Setenv("UAC_CAS_MONITOR_SESSION_COUNT_WARN_THRESHOLD", "42")

	cfg, err := LoadFromFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Redis.Addr != "envredis:6379" {
		t.Errorf("Redis.Addr 期望 envredis:6379, 实际 %s", cfg.Redis.Addr)
	}
	if cfg.Monitor.SessionCountWarnThreshold != 42 {
		t.Errorf("SessionCountWarnThreshold 期望 42, 实际 %d", cfg.Monitor.SessionCountWarnThreshold)
	}
}
