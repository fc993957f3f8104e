// Package service 业务逻辑层：票据生命周期与登录断言校验
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/registry"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"go.uber.org/zap"
)

var ErrInvalidService = errors.New("服务地址不能为空")

// maxProxyDepth 代理链最大层数
const maxProxyDepth = 8

// Assertion ST 校验成功后返回给服务的结果
type Assertion struct {
	Principal       ticket.Principal `json:"principal"`
	AuthenticatedAt time.Time        `json:"authenticated_at"`
	Service         string           `json:"service"`
	FromNewLogin    bool             `json:"from_new_login"`
	// ProxyChain 代理链，由近及远；非代理票据为空
	ProxyChain []string `json:"proxies,omitempty"`
}

// TicketService 票据生命周期服务接口
type TicketService interface {
	// CreateTGT 为一次成功的认证创建 TGT
	CreateTGT(ctx context.Context, auth ticket.Authentication) (*ticket.TicketGrantingTicket, error)
	// GetTicketGrantingTicket 获取未过期的 TGT/PGT，过期时级联删除并返回 ErrTicketExpired
	GetTicketGrantingTicket(ctx context.Context, tgtID string) (*ticket.TicketGrantingTicket, error)
	// GrantServiceTicket 基于 TGT 签发 ST
	GrantServiceTicket(ctx context.Context, tgtID, service string, credentialProvided bool) (*ticket.ServiceTicket, error)
	// ValidateServiceTicket 消耗性校验 ST/PT
	ValidateServiceTicket(ctx context.Context, stID, service string) (*Assertion, error)
	// GrantProxyGrantingTicket 基于已校验的 ST 派生 PGT，每个 ST 至多一次
	GrantProxyGrantingTicket(ctx context.Context, stID, proxyService string) (*ticket.TicketGrantingTicket, error)
	// GrantProxyTicket 基于 PGT 签发 PT
	GrantProxyTicket(ctx context.Context, pgtID, service string) (*ticket.ServiceTicket, error)
	// DestroyTGT 登出：删除 TGT 及其全部子票据，返回删除数量
	DestroyTGT(ctx context.Context, tgtID string) (int, error)
}

// TicketServiceConfig 票据服务配置
type TicketServiceConfig struct {
	TGTPolicy                  ticket.ExpirationPolicy // 默认 8 小时最长存活 + 2 小时空闲
	STPolicy                   ticket.ExpirationPolicy // 默认单次使用 + 10 秒
	PGTPolicy                  ticket.ExpirationPolicy // 默认同 TGT
	PTPolicy                   ticket.ExpirationPolicy // 默认同 ST
	OnlyTrackMostRecentSession bool
	Logger                     *zap.Logger
	Now                        func() time.Time
}

type ticketService struct {
	registry  registry.Registry
	generator ticket.IDGenerator
	config    *TicketServiceConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewTicketService 创建票据服务
func NewTicketService(reg registry.Registry, gen ticket.IDGenerator, config *TicketServiceConfig) TicketService {
	if config == nil {
		config = &TicketServiceConfig{}
	}
	if config.TGTPolicy == nil {
		config.TGTPolicy = ticket.TicketGrantingTicketPolicy{
			MaxTimeToLive: ticket.DefaultTGTMaxTimeToLive,
			TimeToKill:    ticket.DefaultTGTTimeToKill,
		}
	}
	if config.STPolicy == nil {
		config.STPolicy = ticket.MultiTimeUseOrTimeoutPolicy{
			NumberOfUses: ticket.DefaultSTNumberOfUses,
			TimeToKill:   ticket.DefaultSTTimeToKill,
		}
	}
	if config.PGTPolicy == nil {
		config.PGTPolicy = config.TGTPolicy
	}
	if config.PTPolicy == nil {
		config.PTPolicy = config.STPolicy
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &ticketService{
		registry:  reg,
		generator: gen,
		config:    config,
		logger:    logger,
		now:       now,
	}
}

// CreateTGT 创建 TGT
func (s *ticketService) CreateTGT(ctx context.Context, auth ticket.Authentication) (*ticket.TicketGrantingTicket, error) {
	if auth.Principal.ID == "" {
		return nil, fmt.Errorf("%w: 缺少用户标识", ticket.ErrInvalidTicket)
	}
	now := s.now()
	if auth.AuthenticatedAt.IsZero() {
		auth.AuthenticatedAt = now
	}

	id := s.generator.NewTicketID(ticket.PrefixTicketGrantingTicket)
	tgt := ticket.NewTicketGrantingTicket(id, auth, s.config.TGTPolicy, now)
	if err := s.registry.AddTicket(ctx, tgt); err != nil {
		return nil, err
	}

	s.logger.Info("创建 TGT",
		zap.String("ticket", ticket.Mask(id)),
		zap.String("principal", auth.Principal.ID),
	)
	return tgt, nil
}

// GetTicketGrantingTicket 获取 TGT，过期时惰性删除
func (s *ticketService) GetTicketGrantingTicket(ctx context.Context, tgtID string) (*ticket.TicketGrantingTicket, error) {
	t, err := s.registry.GetTicket(ctx, tgtID)
	if err != nil {
		return nil, err
	}
	tgt, ok := t.(*ticket.TicketGrantingTicket)
	if !ok {
		return nil, fmt.Errorf("%w: %s 不是票据授予票据", ticket.ErrInvalidTicket, ticket.Mask(tgtID))
	}
	if tgt.IsExpired(s.now()) {
		s.expire(ctx, tgtID)
		return nil, ticket.ErrTicketExpired
	}
	return tgt, nil
}

// expire 惰性删除过期票据，失败只记录日志，由清理任务兜底
func (s *ticketService) expire(ctx context.Context, id string) {
	removed, err := registry.DeleteTicketCascade(ctx, s.registry, id)
	if err != nil {
		s.logger.Warn("删除过期票据失败", zap.String("ticket", ticket.Mask(id)), zap.Error(err))
		return
	}
	s.logger.Debug("删除过期票据", zap.String("ticket", ticket.Mask(id)), zap.Int("removed", removed))
}

// GrantServiceTicket 签发 ST
func (s *ticketService) GrantServiceTicket(ctx context.Context, tgtID, service string, credentialProvided bool) (*ticket.ServiceTicket, error) {
	return s.grant(ctx, tgtID, service, false, ticket.GrantOptions{
		CredentialProvided:         credentialProvided,
		OnlyTrackMostRecentSession: s.config.OnlyTrackMostRecentSession,
	})
}

// GrantProxyTicket 签发 PT
func (s *ticketService) GrantProxyTicket(ctx context.Context, pgtID, service string) (*ticket.ServiceTicket, error) {
	return s.grant(ctx, pgtID, service, true, ticket.GrantOptions{
		OnlyTrackMostRecentSession: s.config.OnlyTrackMostRecentSession,
	})
}

// grant 在注册表内原子地更新父票据并登记子票据，然后写入新票据
func (s *ticketService) grant(ctx context.Context, parentID, service string, proxy bool, opts ticket.GrantOptions) (*ticket.ServiceTicket, error) {
	if service == "" {
		return nil, ErrInvalidService
	}

	prefix, policy := ticket.PrefixServiceTicket, s.config.STPolicy
	if proxy {
		prefix, policy = ticket.PrefixProxyTicket, s.config.PTPolicy
	}
	id := s.generator.NewTicketID(prefix)

	var st *ticket.ServiceTicket
	_, err := s.registry.UpdateTicket(ctx, parentID, func(t ticket.Ticket) error {
		tgt, ok := t.(*ticket.TicketGrantingTicket)
		if !ok || tgt.IsProxy() != proxy {
			return fmt.Errorf("%w: %s 不能签发该类票据", ticket.ErrInvalidTicket, ticket.Mask(parentID))
		}
		granted, err := tgt.GrantServiceTicket(id, service, policy, s.now(), opts)
		if err != nil {
			return err
		}
		st = granted
		return nil
	})
	if err != nil {
		if errors.Is(err, ticket.ErrTicketExpired) {
			s.expire(ctx, parentID)
		}
		return nil, err
	}

	if err := s.registry.AddTicket(ctx, st); err != nil {
		return nil, err
	}

	s.logger.Info("签发服务票据",
		zap.String("ticket", ticket.Mask(id)),
		zap.String("parent", ticket.Mask(parentID)),
		zap.String("service", service),
		zap.Bool("from_new_login", st.FromNewLogin),
	)
	return st, nil
}

// ValidateServiceTicket 校验 ST
// 成功、服务不匹配都会消耗一次使用；父票据缺失或过期时视为孤儿票据。
func (s *ticketService) ValidateServiceTicket(ctx context.Context, stID, service string) (*Assertion, error) {
	var (
		st          *ticket.ServiceTicket
		mismatchErr error
	)
	_, err := s.registry.UpdateTicket(ctx, stID, func(t ticket.Ticket) error {
		mismatchErr = nil
		v, ok := t.(*ticket.ServiceTicket)
		if !ok {
			return fmt.Errorf("%w: %s 不是服务票据", ticket.ErrInvalidTicket, ticket.Mask(stID))
		}
		err := v.Validate(service, s.now())
		if errors.Is(err, ticket.ErrServiceMismatch) {
			// 保存使用次数，再报告不匹配
			mismatchErr = err
		} else if err != nil {
			return err
		}
		st = v
		return nil
	})
	if err != nil {
		if errors.Is(err, ticket.ErrTicketExpired) {
			s.expire(ctx, stID)
		}
		s.logger.Info("服务票据校验失败", zap.String("ticket", ticket.Mask(stID)), zap.Error(err))
		return nil, err
	}
	if mismatchErr != nil {
		s.logger.Warn("服务票据服务不匹配",
			zap.String("ticket", ticket.Mask(stID)),
			zap.String("expected", st.Service),
			zap.String("actual", service),
		)
		return nil, mismatchErr
	}

	parent, err := s.liveParent(ctx, st.ParentTicketID)
	if err != nil {
		return nil, err
	}

	chain, err := s.proxyChain(ctx, parent)
	if err != nil {
		return nil, err
	}

	return &Assertion{
		Principal:       parent.Authentication.Principal,
		AuthenticatedAt: parent.Authentication.AuthenticatedAt,
		Service:         st.Service,
		FromNewLogin:    st.FromNewLogin,
		ProxyChain:      chain,
	}, nil
}

// liveParent 获取未过期的父票据，缺失或过期返回 ErrOrphanTicket
func (s *ticketService) liveParent(ctx context.Context, parentID string) (*ticket.TicketGrantingTicket, error) {
	parent, err := s.GetTicketGrantingTicket(ctx, parentID)
	if err != nil {
		if errors.Is(err, ticket.ErrTicketNotFound) || errors.Is(err, ticket.ErrTicketExpired) {
			return nil, ticket.ErrOrphanTicket
		}
		return nil, err
	}
	return parent, nil
}

// proxyChain 沿 PGT 向上收集代理服务，直到非代理的 TGT
func (s *ticketService) proxyChain(ctx context.Context, parent *ticket.TicketGrantingTicket) ([]string, error) {
	var chain []string
	cur := parent
	for cur.IsProxy() {
		if len(chain) >= maxProxyDepth {
			return nil, fmt.Errorf("%w: 代理链过长", ticket.ErrInvalidTicket)
		}
		chain = append(chain, cur.ProxiedBy)
		next, err := s.liveParent(ctx, cur.ParentTicketID)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return chain, nil
}

// GrantProxyGrantingTicket 派生 PGT
func (s *ticketService) GrantProxyGrantingTicket(ctx context.Context, stID, proxyService string) (*ticket.TicketGrantingTicket, error) {
	if proxyService == "" {
		return nil, ErrInvalidService
	}

	t, err := s.registry.GetTicket(ctx, stID)
	if err != nil {
		return nil, err
	}
	st, ok := t.(*ticket.ServiceTicket)
	if !ok {
		return nil, fmt.Errorf("%w: %s 不是服务票据", ticket.ErrInvalidTicket, ticket.Mask(stID))
	}
	parent, err := s.liveParent(ctx, st.ParentTicketID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pgtID := s.generator.NewTicketID(ticket.PrefixProxyGrantingTicket)

	// 在 ST 上登记 PGT，保证每个 ST 只派生一次
	_, err = s.registry.UpdateTicket(ctx, stID, func(t ticket.Ticket) error {
		v, ok := t.(*ticket.ServiceTicket)
		if !ok {
			return ticket.ErrInvalidTicket
		}
		if v.ProxyGrantingTicketID != "" {
			return ticket.ErrProxyGranted
		}
		if v.CountOfUses == 0 {
			return fmt.Errorf("%w: 服务票据尚未校验", ticket.ErrInvalidTicket)
		}
		if ttl := v.Policy().TimeToLive(); ttl > 0 && !now.Before(v.CreatedAt.Add(ttl)) {
			return ticket.ErrTicketExpired
		}
		v.ProxyGrantingTicketID = pgtID
		return nil
	})
	if err != nil {
		return nil, err
	}

	pgt := ticket.NewTicketGrantingTicket(pgtID, parent.Authentication, s.config.PGTPolicy, now)
	pgt.ParentTicketID = parent.ID
	pgt.ProxiedBy = proxyService
	if err := s.registry.AddTicket(ctx, pgt); err != nil {
		s.unmarkProxyGranted(ctx, stID, pgtID)
		return nil, err
	}

	// 登记到父票据，登出时级联删除
	_, err = s.registry.UpdateTicket(ctx, parent.ID, func(t ticket.Ticket) error {
		tgt, ok := t.(*ticket.TicketGrantingTicket)
		if !ok {
			return ticket.ErrInvalidTicket
		}
		tgt.AddProxyGrantingTicket(pgtID)
		return nil
	})
	if err != nil {
		if _, derr := s.registry.DeleteTicket(ctx, pgtID); derr != nil {
			s.logger.Warn("回滚 PGT 失败", zap.String("ticket", ticket.Mask(pgtID)), zap.Error(derr))
		}
		if errors.Is(err, ticket.ErrTicketNotFound) {
			return nil, ticket.ErrOrphanTicket
		}
		return nil, err
	}

	s.logger.Info("签发代理授予票据",
		zap.String("ticket", ticket.Mask(pgtID)),
		zap.String("parent", ticket.Mask(parent.ID)),
		zap.String("proxied_by", proxyService),
	)
	return pgt, nil
}

// unmarkProxyGranted PGT 写入失败时撤销 ST 上的登记，使调用方可以重试
func (s *ticketService) unmarkProxyGranted(ctx context.Context, stID, pgtID string) {
	_, err := s.registry.UpdateTicket(ctx, stID, func(t ticket.Ticket) error {
		if v, ok := t.(*ticket.ServiceTicket); ok && v.ProxyGrantingTicketID == pgtID {
			v.ProxyGrantingTicketID = ""
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("撤销 PGT 登记失败", zap.String("ticket", ticket.Mask(stID)), zap.Error(err))
	}
}

// DestroyTGT 登出
func (s *ticketService) DestroyTGT(ctx context.Context, tgtID string) (int, error) {
	removed, err := registry.DeleteTicketCascade(ctx, s.registry, tgtID)
	if err != nil {
		s.logger.Error("销毁 TGT 失败", zap.String("ticket", ticket.Mask(tgtID)), zap.Error(err))
		return removed, err
	}
	s.logger.Info("销毁 TGT", zap.String("ticket", ticket.Mask(tgtID)), zap.Int("removed", removed))
	return removed, nil
}
