// Package registry 票据注册表：存储、查询、枚举票据
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"go.uber.org/multierr"
	"golang.org/x/crypto/blake2b"
)

// 支持的后端
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

var (
	ErrUnsupportedBackend = errors.New("不支持的注册表后端")
	ErrUpdateConflict     = errors.New("票据并发更新冲突")
)

// SupportedBackend 后端名称是否受支持
func SupportedBackend(name string) bool {
	switch strings.ToLower(name) {
	case BackendMemory, BackendRedis, BackendDatabase:
		return true
	}
	return false
}

// UpdateFunc 在注册表内对票据做原子修改，返回错误则放弃本次修改
// 分布式后端在冲突时可能重复调用，函数内不要有外部副作用。
type UpdateFunc func(t ticket.Ticket) error

// Registry 票据注册表
// 所有后端（内存、Redis、数据库）必须满足相同的语义，生命周期逻辑不依赖具体后端。
type Registry interface {
	// AddTicket 新增或覆盖票据，写入后立即对其他读者可见
	AddTicket(ctx context.Context, t ticket.Ticket) error
	// GetTicket 获取票据，不存在返回 ticket.ErrTicketNotFound
	// 返回的是副本，可能已过期，由调用方判断
	GetTicket(ctx context.Context, id string) (ticket.Ticket, error)
	// UpdateTicket 对单个票据做线性化的读-改-写
	UpdateTicket(ctx context.Context, id string, fn UpdateFunc) (ticket.Ticket, error)
	// DeleteTicket 删除单个票据，返回是否真的删除了
	DeleteTicket(ctx context.Context, id string) (bool, error)
	// GetTickets 枚举全部票据，仅供监控和清理使用
	GetTickets(ctx context.Context) ([]ticket.Ticket, error)
	// SessionCount 未过期的 TGT 数量
	SessionCount(ctx context.Context) (int, error)
	// ServiceTicketCount 未过期的 ST 数量
	ServiceTicketCount(ctx context.Context) (int, error)
}

// countLive 按类别统计未过期票据
func countLive(tickets []ticket.Ticket, kind ticket.Kind, now time.Time) int {
	n := 0
	for _, t := range tickets {
		if t.Kind() == kind && !t.IsExpired(now) {
			n++
		}
	}
	return n
}

// KeyFunc 票据 ID 到存储键的映射
type KeyFunc func(id string) string

// PlainKey 原样使用票据 ID
func PlainKey(id string) string { return id }

// NewDigestKey 使用带密钥的 BLAKE2b 摘要作为存储键，存储泄露时不会暴露可用的票据 ID
func NewDigestKey(secret string) (KeyFunc, error) {
	if secret == "" {
		return PlainKey, nil
	}
	if len(secret) > blake2b.Size {
		return nil, fmt.Errorf("摘要密钥长度不能超过 %d 字节", blake2b.Size)
	}
	key := []byte(secret)
	// 提前校验密钥
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("初始化票据摘要失败: %w", err)
	}
	return func(id string) string {
		h, _ := blake2b.New256(key)
		h.Write([]byte(id))
		return hex.EncodeToString(h.Sum(nil))
	}, nil
}

// DeleteTicketCascade 删除票据；若为 TGT，先删除其签发的 ST 与派生的 PGT（递归）
// 已不存在的票据视为成功。单个子票据删除失败不会中断其余删除，错误合并返回。
func DeleteTicketCascade(ctx context.Context, r Registry, id string) (int, error) {
	t, err := r.GetTicket(ctx, id)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var errs error
	if tgt, ok := t.(*ticket.TicketGrantingTicket); ok {
		for _, childID := range tgt.ChildIDs() {
			n, err := deleteChild(ctx, r, childID)
			removed += n
			errs = multierr.Append(errs, err)
		}
	}

	deleted, err := r.DeleteTicket(ctx, id)
	if err != nil {
		return removed, multierr.Append(errs, fmt.Errorf("删除票据 %s 失败: %w", ticket.Mask(id), err))
	}
	if deleted {
		removed++
	}
	return removed, errs
}

func deleteChild(ctx context.Context, r Registry, id string) (int, error) {
	if ticket.PrefixOf(id) == ticket.PrefixProxyGrantingTicket {
		return DeleteTicketCascade(ctx, r, id)
	}
	deleted, err := r.DeleteTicket(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("删除子票据 %s 失败: %w", ticket.Mask(id), err)
	}
	if deleted {
		return 1, nil
	}
	return 0, nil
}
