// Package cleaner 后台清理过期票据
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/registry"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config 清理任务配置
type Config struct {
	Interval   time.Duration // 清理间隔，默认 2 分钟
	StartDelay time.Duration // 启动后首次清理前的等待时间
	Locker     Locker        // 多实例部署时保证同一时刻只有一个节点清理，默认不加锁
	Logger     *zap.Logger
	Now        func() time.Time
}

// Cleaner 周期性扫描注册表，删除策略判定为过期的票据
// 只通过注册表的并发安全接口交互，不持有其他共享状态。
type Cleaner struct {
	registry   registry.Registry
	interval   time.Duration
	startDelay time.Duration
	locker     Locker
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建清理任务
func New(reg registry.Registry, config *Config) *Cleaner {
	if config == nil {
		config = &Config{}
	}
	c := &Cleaner{
		registry:   reg,
		interval:   config.Interval,
		startDelay: config.StartDelay,
		locker:     config.Locker,
		logger:     config.Logger,
		now:        config.Now,
	}
	if c.interval <= 0 {
		c.interval = 2 * time.Minute
	}
	if c.locker == nil {
		c.locker = NopLocker{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Clean 执行一次清理，返回删除的票据数（含级联删除的子票据）
// 单个票据删除失败只记录日志并继续，所有失败合并后返回。
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	locked, err := c.locker.TryLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取清理锁失败: %w", err)
	}
	if !locked {
		c.logger.Debug("其他节点正在清理，跳过本轮")
		return 0, nil
	}
	defer func() {
		if err := c.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("释放清理锁失败", zap.Error(err))
		}
	}()

	tickets, err := c.registry.GetTickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("枚举票据失败: %w", err)
	}

	now := c.now()
	removed := 0
	var errs error
	for _, t := range tickets {
		if ctx.Err() != nil {
			return removed, multierr.Append(errs, ctx.Err())
		}
		if !t.IsExpired(now) {
			continue
		}

		n, err := c.remove(ctx, t)
		removed += n
		if err != nil {
			c.logger.Warn("删除过期票据失败",
				zap.String("ticket", ticket.Mask(t.TicketID())),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}

	if removed > 0 {
		c.logger.Info("过期票据清理完成", zap.Int("removed", removed), zap.Int("scanned", len(tickets)))
	}
	return removed, errs
}

func (c *Cleaner) remove(ctx context.Context, t ticket.Ticket) (int, error) {
	if t.Kind() == ticket.KindTicketGrantingTicket {
		return registry.DeleteTicketCascade(ctx, c.registry, t.TicketID())
	}
	// 已被惰性过期或登出删除的票据视为成功
	deleted, err := c.registry.DeleteTicket(ctx, t.TicketID())
	if err != nil || !deleted {
		return 0, err
	}
	return 1, nil
}

// Start 启动后台清理协程，重复调用无效
func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		if c.startDelay > 0 {
			timer := time.NewTimer(c.startDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			if _, err := c.Clean(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("过期票据清理失败", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop 停止后台清理并等待当前一轮结束，未启动时调用也安全
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
