package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/registry"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Ticket    TicketConfig    `mapstructure:"ticket"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Cleaner   CleanerConfig   `mapstructure:"cleaner"`
	Assertion AssertionConfig `mapstructure:"assertion"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RegistryConfig 票据注册表配置
type RegistryConfig struct {
	Backend    string `mapstructure:"backend"`     // memory / redis / database
	KeyPrefix  string `mapstructure:"key_prefix"`  // Redis 键前缀
	DigestKey  string `mapstructure:"digest_key"`  // 非空时存储键使用 BLAKE2b 摘要
	MaxRetries int    `mapstructure:"max_retries"` // Redis 乐观锁重试次数
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	LogLevel string         `mapstructure:"log_level"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TicketConfig 票据配置
type TicketConfig struct {
	IDSuffix                   string       `mapstructure:"id_suffix"` // 集群节点后缀
	TGT                        PolicyConfig `mapstructure:"tgt"`
	ST                         PolicyConfig `mapstructure:"st"`
	PGT                        PolicyConfig `mapstructure:"pgt"`
	PT                         PolicyConfig `mapstructure:"pt"`
	OnlyTrackMostRecentSession bool         `mapstructure:"only_track_most_recent_session"`
}

// PolicyConfig 过期策略配置
type PolicyConfig struct {
	Kind              string        `mapstructure:"kind"`
	MaxTimeToLive     time.Duration `mapstructure:"max_time_to_live"`
	TimeToKill        time.Duration `mapstructure:"time_to_kill"`
	TimeInBetweenUses time.Duration `mapstructure:"time_in_between_uses"`
	NumberOfUses      int           `mapstructure:"number_of_uses"`
}

// Policy 构造过期策略
func (p PolicyConfig) Policy() (ticket.ExpirationPolicy, error) {
	return ticket.PolicySpec{
		Kind:              ticket.PolicyKind(p.Kind),
		MaxTimeToLive:     p.MaxTimeToLive,
		TimeToKill:        p.TimeToKill,
		TimeInBetweenUses: p.TimeInBetweenUses,
		NumberOfUses:      p.NumberOfUses,
	}.Build()
}

// MonitorConfig 会话监控配置，阈值小于等于 0 表示不检查
type MonitorConfig struct {
	SessionCountWarnThreshold       int `mapstructure:"session_count_warn_threshold"`
	ServiceTicketCountWarnThreshold int `mapstructure:"service_ticket_count_warn_threshold"`
}

// CleanerConfig 过期票据清理配置
type CleanerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StartDelay time.Duration `mapstructure:"start_delay"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"` // 多实例部署时的清理锁有效期，0 表示不加锁
}

// AssertionConfig 登录断言校验配置
// 认证服务签发 JWT 断言证明用户已登录，本服务只负责校验。
type AssertionConfig struct {
	Issuer        string `mapstructure:"issuer"`
	HMACSecret    string `mapstructure:"hmac_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

var (
	global   *Config
	globalMu sync.RWMutex
)

// Load 加载配置，按 ./configs、当前目录顺序查找 config.yaml
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return unmarshal(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return unmarshal(v)
}

// Get 获取最近一次加载的配置
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func newViper() *viper.Viper {
	v := viper.New()

	// 支持环境变量覆盖，如 UAC_CAS_REDIS_ADDR
	v.SetEnvPrefix("UAC_CAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalMu.Lock()
	global = &cfg
	globalMu.Unlock()
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if !registry.SupportedBackend(c.Registry.Backend) {
		return fmt.Errorf("%w: %s", registry.ErrUnsupportedBackend, c.Registry.Backend)
	}
	policies := map[string]PolicyConfig{
		"ticket.tgt": c.Ticket.TGT,
		"ticket.st":  c.Ticket.ST,
		"ticket.pgt": c.Ticket.PGT,
		"ticket.pt":  c.Ticket.PT,
	}
	for name, p := range policies {
		if _, err := p.Policy(); err != nil {
			return fmt.Errorf("%s 配置错误: %w", name, err)
		}
	}
	if c.Cleaner.Enabled && c.Cleaner.Interval <= 0 {
		return errors.New("cleaner.interval 必须大于 0")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// 注册表
	v.SetDefault("registry.backend", registry.BackendMemory)
	v.SetDefault("registry.key_prefix", "cas:")
	v.SetDefault("registry.max_retries", 5)

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "uac_cas")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.mysql.charset", "utf8mb4")
	v.SetDefault("database.mysql.parse_time", true)
	v.SetDefault("database.mysql.loc", "Local")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// 票据过期策略
	v.SetDefault("ticket.tgt.kind", string(ticket.PolicyTicketGrantingTicket))
	v.SetDefault("ticket.tgt.max_time_to_live", ticket.DefaultTGTMaxTimeToLive.String())
	v.SetDefault("ticket.tgt.time_to_kill", ticket.DefaultTGTTimeToKill.String())
	v.SetDefault("ticket.st.kind", string(ticket.PolicyMultiTimeUseOrTimeout))
	v.SetDefault("ticket.st.time_to_kill", ticket.DefaultSTTimeToKill.String())
	v.SetDefault("ticket.st.number_of_uses", ticket.DefaultSTNumberOfUses)
	v.SetDefault("ticket.pgt.kind", string(ticket.PolicyTicketGrantingTicket))
	v.SetDefault("ticket.pgt.max_time_to_live", ticket.DefaultTGTMaxTimeToLive.String())
	v.SetDefault("ticket.pgt.time_to_kill", ticket.DefaultTGTTimeToKill.String())
	v.SetDefault("ticket.pt.kind", string(ticket.PolicyMultiTimeUseOrTimeout))
	v.SetDefault("ticket.pt.time_to_kill", ticket.DefaultSTTimeToKill.String())
	v.SetDefault("ticket.pt.number_of_uses", ticket.DefaultSTNumberOfUses)
	v.SetDefault("ticket.only_track_most_recent_session", false)

	// 监控阈值，0 表示不检查
	v.SetDefault("monitor.session_count_warn_threshold", 0)
	v.SetDefault("monitor.service_ticket_count_warn_threshold", 0)

	// 清理任务
	v.SetDefault("cleaner.enabled", true)
	v.SetDefault("cleaner.interval", "2m")
	v.SetDefault("cleaner.start_delay", "20s")
	v.SetDefault("cleaner.lock_ttl", "1m")

	v.SetDefault("assertion.issuer", "uac-backend")
}
