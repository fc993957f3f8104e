package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/cleaner"
	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"github.com/pu-ac-cn/uac-cas/internal/handler"
	"github.com/pu-ac-cn/uac-cas/internal/logger"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/monitor"
	"github.com/pu-ac-cn/uac-cas/internal/redis"
	"github.com/pu-ac-cn/uac-cas/internal/registry"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// cleanerLockKey 多实例共享的清理锁
const cleanerLockKey = "lock:ticket-cleaner"

func main() {
	// 命令行参数
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	pflag.Parse()

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(&cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	// 票据 ID 生成器，启动时探测熵源
	gen, err := ticket.NewIDGenerator(cfg.Ticket.IDSuffix)
	if err != nil {
		return err
	}

	reg, err := newRegistry(cfg, zlog)
	if err != nil {
		return err
	}
	defer database.Close()
	defer redis.Close()
	zlog.Info("票据注册表就绪", zap.String("backend", cfg.Registry.Backend))

	serviceCfg, err := newTicketServiceConfig(&cfg.Ticket)
	if err != nil {
		return err
	}
	serviceCfg.Logger = zlog.Named("ticket")
	ticketService := service.NewTicketService(reg, gen, serviceCfg)

	verifier, err := newVerifier(&cfg.Assertion)
	if err != nil {
		return err
	}

	sessionMonitor := monitor.NewSessionMonitor(reg, &monitor.Config{
		SessionCountWarnThreshold:       cfg.Monitor.SessionCountWarnThreshold,
		ServiceTicketCountWarnThreshold: cfg.Monitor.ServiceTicketCountWarnThreshold,
		Logger:                          zlog.Named("monitor"),
	})

	// 过期票据清理
	if cfg.Cleaner.Enabled {
		cleanerCfg := &cleaner.Config{
			Interval:   cfg.Cleaner.Interval,
			StartDelay: cfg.Cleaner.StartDelay,
			Logger:     zlog.Named("cleaner"),
		}
		if client := redis.GetClient(); client != nil && cfg.Cleaner.LockTTL > 0 {
			cleanerCfg.Locker = cleaner.NewRedisLocker(client, cfg.Registry.KeyPrefix+cleanerLockKey, cfg.Cleaner.LockTTL)
		}
		c := cleaner.New(reg, cleanerCfg)
		c.Start()
		defer c.Stop()
	}

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handler.NewRouter(&handler.RouterConfig{
		Tickets:  handler.NewTicketHandler(ticketService, zlog.Named("http")),
		Monitor:  handler.NewMonitorHandler(sessionMonitor, zlog.Named("http")),
		Verifier: verifier,
		Logger:   zlog.Named("http"),
	})

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		switch strings.ToLower(cfg.Registry.Backend) {
		case registry.BackendRedis:
			if err := redis.Ping(c.Request.Context()); err != nil {
				status = "error"
			}
		case registry.BackendDatabase:
			if err := database.Ping(); err != nil {
				status = "error"
			}
		}

		response.Success(c, gin.H{
			"status":   "ok",
			"time":     time.Now().Format(time.RFC3339),
			"registry": status,
		})
	})

	// 创建 HTTP 服务器
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	errCh := make(chan error, 1)
	go func() {
		zlog.Info("服务启动", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	zlog.Info("正在关闭服务...")

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("服务关闭失败: %w", err)
	}

	zlog.Info("服务已关闭")
	return nil
}

// newRegistry 按配置创建票据注册表
func newRegistry(cfg *config.Config, zlog *zap.Logger) (registry.Registry, error) {
	keyFunc := registry.PlainKey
	if cfg.Registry.DigestKey != "" {
		fn, err := registry.NewDigestKey(cfg.Registry.DigestKey)
		if err != nil {
			return nil, err
		}
		keyFunc = fn
	}

	switch strings.ToLower(cfg.Registry.Backend) {
	case registry.BackendMemory:
		return registry.NewMemoryRegistry(), nil

	case registry.BackendRedis:
		if err := redis.Init(&cfg.Redis); err != nil {
			return nil, fmt.Errorf("初始化 Redis 失败: %w", err)
		}
		return registry.NewRedisRegistry(redis.GetClient(), &registry.RedisRegistryConfig{
			KeyPrefix:  cfg.Registry.KeyPrefix,
			KeyFunc:    keyFunc,
			MaxRetries: cfg.Registry.MaxRetries,
			Logger:     zlog.Named("registry"),
		}), nil

	case registry.BackendDatabase:
		if err := database.Init(&cfg.Database); err != nil {
			return nil, fmt.Errorf("初始化数据库失败: %w", err)
		}
		if err := database.AutoMigrate(&model.TicketRecord{}); err != nil {
			return nil, fmt.Errorf("数据库迁移失败: %w", err)
		}
		return registry.NewDatabaseRegistry(database.GetDB(), &registry.DatabaseRegistryConfig{
			KeyFunc: keyFunc,
			Logger:  zlog.Named("registry"),
		}), nil
	}
	return nil, fmt.Errorf("%w: %s", registry.ErrUnsupportedBackend, cfg.Registry.Backend)
}

// newTicketServiceConfig 按配置构建各类票据的过期策略
func newTicketServiceConfig(cfg *config.TicketConfig) (*service.TicketServiceConfig, error) {
	tgtPolicy, err := cfg.TGT.Policy()
	if err != nil {
		return nil, fmt.Errorf("ticket.tgt 配置错误: %w", err)
	}
	stPolicy, err := cfg.ST.Policy()
	if err != nil {
		return nil, fmt.Errorf("ticket.st 配置错误: %w", err)
	}
	pgtPolicy, err := cfg.PGT.Policy()
	if err != nil {
		return nil, fmt.Errorf("ticket.pgt 配置错误: %w", err)
	}
	ptPolicy, err := cfg.PT.Policy()
	if err != nil {
		return nil, fmt.Errorf("ticket.pt 配置错误: %w", err)
	}
	return &service.TicketServiceConfig{
		TGTPolicy:                  tgtPolicy,
		STPolicy:                   stPolicy,
		PGTPolicy:                  pgtPolicy,
		PTPolicy:                   ptPolicy,
		OnlyTrackMostRecentSession: cfg.OnlyTrackMostRecentSession,
	}, nil
}

// newVerifier 按配置创建登录断言校验器
func newVerifier(cfg *config.AssertionConfig) (service.PrincipalVerifier, error) {
	verifierCfg := &service.JWTPrincipalVerifierConfig{
		Issuer:     cfg.Issuer,
		HMACSecret: []byte(cfg.HMACSecret),
		Leeway:     5 * time.Second,
	}
	if cfg.PublicKeyPath != "" {
		key, err := service.LoadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		verifierCfg.PublicKey = key
	}
	return service.NewJWTPrincipalVerifier(verifierCfg)
}
