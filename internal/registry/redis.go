package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRegistryConfig Redis 注册表配置
type RedisRegistryConfig struct {
	KeyPrefix  string  // 键前缀，默认 cas:
	KeyFunc    KeyFunc // 票据 ID 到键的映射，默认原样
	MaxRetries int     // 乐观锁冲突重试次数，默认 5
	ScanCount  int64   // SCAN 每批数量，默认 200
	Logger     *zap.Logger
}

// RedisRegistry 基于 Redis 的分布式注册表
// 值为 CBOR 编码的票据，过期时间取自票据策略，更新使用 WATCH/MULTI 乐观事务。
type RedisRegistry struct {
	client     redis.UniversalClient
	keyPrefix  string
	keyFunc    KeyFunc
	maxRetries int
	scanCount  int64
	logger     *zap.Logger
	now        func() time.Time
}

// NewRedisRegistry 创建 Redis 注册表
func NewRedisRegistry(client redis.UniversalClient, config *RedisRegistryConfig) *RedisRegistry {
	if config == nil {
		config = &RedisRegistryConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "cas:"
	}
	if config.KeyFunc == nil {
		config.KeyFunc = PlainKey
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 200
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &RedisRegistry{
		client:     client,
		keyPrefix:  config.KeyPrefix,
		keyFunc:    config.KeyFunc,
		maxRetries: config.MaxRetries,
		scanCount:  config.ScanCount,
		logger:     config.Logger,
		now:        time.Now,
	}
}

func (r *RedisRegistry) ticketKey(id string) string {
	return r.keyPrefix + "ticket:" + r.keyFunc(id)
}

func (r *RedisRegistry) ticketPattern() string {
	return r.keyPrefix + "ticket:*"
}

// expiration 计算 Redis 键的过期时间，0 表示不过期
func (r *RedisRegistry) expiration(t ticket.Ticket) time.Duration {
	expiresAt := t.Policy().ExpiresAt(t.TicketState())
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(r.now())
	if ttl < time.Second {
		// 已过期的票据也短暂保留，交给惰性过期处理
		ttl = time.Second
	}
	return ttl
}

// AddTicket 写入票据
func (r *RedisRegistry) AddTicket(ctx context.Context, t ticket.Ticket) error {
	data, err := ticket.Marshal(t)
	if err != nil {
		return fmt.Errorf("序列化票据失败: %w", err)
	}
	if err := r.client.Set(ctx, r.ticketKey(t.TicketID()), data, r.expiration(t)).Err(); err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

// GetTicket 读取票据
func (r *RedisRegistry) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	data, err := r.client.Get(ctx, r.ticketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ticket.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}

	t, err := ticket.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTicket 基于 WATCH 的乐观并发更新，冲突时重试
func (r *RedisRegistry) UpdateTicket(ctx context.Context, id string, fn UpdateFunc) (ticket.Ticket, error) {
	key := r.ticketKey(id)

	var updated ticket.Ticket
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ticket.ErrTicketNotFound
			}
			return fmt.Errorf("获取票据失败: %w", err)
		}

		t, err := ticket.Unmarshal(data)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}

		out, err := ticket.Marshal(t)
		if err != nil {
			return fmt.Errorf("序列化票据失败: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.expiration(t))
			return nil
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.Debug("票据更新冲突，重试",
				zap.String("ticket", ticket.Mask(id)),
				zap.Int("attempt", i+1),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrUpdateConflict
}

// DeleteTicket 删除票据
func (r *RedisRegistry) DeleteTicket(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Del(ctx, r.ticketKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("删除票据失败: %w", err)
	}
	return n > 0, nil
}

// GetTickets 通过 SCAN + MGET 枚举票据
// 枚举期间被删除的键会被跳过；无法解码的条目记录日志后跳过。
func (r *RedisRegistry) GetTickets(ctx context.Context) ([]ticket.Ticket, error) {
	var (
		result []ticket.Ticket
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.ticketPattern(), r.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("枚举票据失败: %w", err)
		}

		if len(keys) > 0 {
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("批量获取票据失败: %w", err)
			}
			for i, v := range values {
				if v == nil {
					continue
				}
				s, ok := v.(string)
				if !ok {
					continue
				}
				t, err := ticket.Unmarshal([]byte(s))
				if err != nil {
					r.logger.Warn("跳过无法解码的票据", zap.String("key", keys[i]), zap.Error(err))
					continue
				}
				result = append(result, t)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

// SessionCount 未过期 TGT 数量
func (r *RedisRegistry) SessionCount(ctx context.Context) (int, error) {
	tickets, err := r.GetTickets(ctx)
	if err != nil {
		return 0, err
	}
	return countLive(tickets, ticket.KindTicketGrantingTicket, r.now()), nil
}

// ServiceTicketCount 未过期 ST 数量
func (r *RedisRegistry) ServiceTicketCount(ctx context.Context) (int, error) {
	tickets, err := r.GetTickets(ctx)
	if err != nil {
		return 0, err
	}
	return countLive(tickets, ticket.KindServiceTicket, r.now()), nil
}

var _ Registry = (*RedisRegistry)(nil)
