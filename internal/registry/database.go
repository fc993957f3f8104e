package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseRegistryConfig 数据库注册表配置
type DatabaseRegistryConfig struct {
	KeyFunc KeyFunc
	Logger  *zap.Logger
}

// DatabaseRegistry 基于关系数据库（PostgreSQL / MySQL）的注册表
type DatabaseRegistry struct {
	db      *gorm.DB
	keyFunc KeyFunc
	logger  *zap.Logger
	now     func() time.Time
}

// NewDatabaseRegistry 创建数据库注册表，表结构由 cmd/migrate 或 AutoMigrate 维护
func NewDatabaseRegistry(db *gorm.DB, config *DatabaseRegistryConfig) *DatabaseRegistry {
	if config == nil {
		config = &DatabaseRegistryConfig{}
	}
	if config.KeyFunc == nil {
		config.KeyFunc = PlainKey
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &DatabaseRegistry{
		db:      db,
		keyFunc: config.KeyFunc,
		logger:  config.Logger,
		now:     time.Now,
	}
}

func (r *DatabaseRegistry) toRecord(t ticket.Ticket) (*model.TicketRecord, error) {
	body, err := ticket.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("序列化票据失败: %w", err)
	}
	rec := &model.TicketRecord{
		ID:   r.keyFunc(t.TicketID()),
		Kind: string(t.Kind()),
		Body: body,
	}
	if expiresAt := t.Policy().ExpiresAt(t.TicketState()); !expiresAt.IsZero() {
		rec.ExpiresAt = &expiresAt
	}
	return rec, nil
}

// AddTicket 插入或覆盖票据
func (r *DatabaseRegistry) AddTicket(ctx context.Context, t ticket.Ticket) error {
	rec, err := r.toRecord(t)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("存储票据失败: %w", err)
	}
	return nil
}

// GetTicket 获取票据
func (r *DatabaseRegistry) GetTicket(ctx context.Context, id string) (ticket.Ticket, error) {
	var rec model.TicketRecord
	err := r.db.WithContext(ctx).Where("id = ?", r.keyFunc(id)).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ticket.ErrTicketNotFound
		}
		return nil, fmt.Errorf("获取票据失败: %w", err)
	}
	return ticket.Unmarshal(rec.Body)
}

// UpdateTicket 在事务中以 SELECT ... FOR UPDATE 锁定行后修改
func (r *DatabaseRegistry) UpdateTicket(ctx context.Context, id string, fn UpdateFunc) (ticket.Ticket, error) {
	key := r.keyFunc(id)

	var updated ticket.Ticket
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.TicketRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", key).
			First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ticket.ErrTicketNotFound
			}
			return fmt.Errorf("锁定票据失败: %w", err)
		}

		t, err := ticket.Unmarshal(rec.Body)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}

		next, err := r.toRecord(t)
		if err != nil {
			return err
		}
		err = tx.Model(&model.TicketRecord{}).
			Where("id = ?", key).
			Updates(map[string]interface{}{
				"body":       next.Body,
				"expires_at": next.ExpiresAt,
			}).Error
		if err != nil {
			return fmt.Errorf("更新票据失败: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTicket 删除票据
func (r *DatabaseRegistry) DeleteTicket(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).Where("id = ?", r.keyFunc(id)).Delete(&model.TicketRecord{})
	if result.Error != nil {
		return false, fmt.Errorf("删除票据失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetTickets 分批读取全部票据
func (r *DatabaseRegistry) GetTickets(ctx context.Context) ([]ticket.Ticket, error) {
	var (
		result  []ticket.Ticket
		records []*model.TicketRecord
	)
	err := r.db.WithContext(ctx).
		Model(&model.TicketRecord{}).
		FindInBatches(&records, 500, func(tx *gorm.DB, batch int) error {
			for _, rec := range records {
				t, err := ticket.Unmarshal(rec.Body)
				if err != nil {
					r.logger.Warn("跳过无法解码的票据", zap.String("id", ticket.Mask(rec.ID)), zap.Error(err))
					continue
				}
				result = append(result, t)
			}
			return nil
		}).Error
	if err != nil {
		return nil, fmt.Errorf("枚举票据失败: %w", err)
	}
	return result, nil
}

// SessionCount 未过期 TGT 数量
func (r *DatabaseRegistry) SessionCount(ctx context.Context) (int, error) {
	return r.countLive(ctx, ticket.KindTicketGrantingTicket)
}

// ServiceTicketCount 未过期 ST 数量
func (r *DatabaseRegistry) ServiceTicketCount(ctx context.Context) (int, error) {
	return r.countLive(ctx, ticket.KindServiceTicket)
}

// countLive 先用 kind / expires_at 过滤，再按策略精确判断
func (r *DatabaseRegistry) countLive(ctx context.Context, kind ticket.Kind) (int, error) {
	now := r.now()
	var records []*model.TicketRecord
	err := r.db.WithContext(ctx).
		Where("kind = ?", string(kind)).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&records).Error
	if err != nil {
		return 0, fmt.Errorf("统计票据失败: %w", err)
	}

	tickets := make([]ticket.Ticket, 0, len(records))
	for _, rec := range records {
		t, err := ticket.Unmarshal(rec.Body)
		if err != nil {
			continue
		}
		tickets = append(tickets, t)
	}
	return countLive(tickets, kind, now), nil
}

var _ Registry = (*DatabaseRegistry)(nil)
