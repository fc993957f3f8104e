package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/ticket"
)

// MemoryRegistry 基于内存 map 的注册表，单进程部署使用
// 票据以副本形式存取，调用方拿到的对象与注册表内部互不影响。
type MemoryRegistry struct {
	mu      sync.RWMutex
	tickets map[string]ticket.Ticket
	now     func() time.Time
}

// NewMemoryRegistry 创建内存注册表
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tickets: make(map[string]ticket.Ticket),
		now:     time.Now,
	}
}

// AddTicket 新增或覆盖票据
func (r *MemoryRegistry) AddTicket(_ context.Context, t ticket.Ticket) error {
	c := t.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tickets[c.TicketID()] = c
	return nil
}

// GetTicket 获取票据副本
func (r *MemoryRegistry) GetTicket(_ context.Context, id string) (ticket.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, ticket.ErrTicketNotFound
	}
	return t.Clone(), nil
}

// UpdateTicket 持写锁完成读-改-写
func (r *MemoryRegistry) UpdateTicket(_ context.Context, id string, fn UpdateFunc) (ticket.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tickets[id]
	if !ok {
		return nil, ticket.ErrTicketNotFound
	}

	c := t.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}
	r.tickets[id] = c
	return c.Clone(), nil
}

// DeleteTicket 删除票据
func (r *MemoryRegistry) DeleteTicket(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tickets[id]; !ok {
		return false, nil
	}
	delete(r.tickets, id)
	return true, nil
}

// GetTickets 返回当前全部票据的快照
func (r *MemoryRegistry) GetTickets(_ context.Context) ([]ticket.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ticket.Ticket, 0, len(r.tickets))
	for _, t := range r.tickets {
		result = append(result, t.Clone())
	}
	return result, nil
}

// SessionCount 未过期 TGT 数量
func (r *MemoryRegistry) SessionCount(_ context.Context) (int, error) {
	return r.count(ticket.KindTicketGrantingTicket), nil
}

// ServiceTicketCount 未过期 ST 数量
func (r *MemoryRegistry) ServiceTicketCount(_ context.Context) (int, error) {
	return r.count(ticket.KindServiceTicket), nil
}

func (r *MemoryRegistry) count(kind ticket.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	n := 0
	for _, t := range r.tickets {
		if t.Kind() == kind && !t.IsExpired(now) {
			n++
		}
	}
	return n
}

// Len 注册表内条目总数，包含已过期未清理的
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickets)
}

var _ Registry = (*MemoryRegistry)(nil)
