package ticket

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind 票据类别
type Kind string

const (
	KindTicketGrantingTicket Kind = "TGT"
	KindServiceTicket        Kind = "ST"
)

// State 票据的使用状态，过期策略只依赖该状态与当前时间
type State struct {
	CreatedAt      time.Time `cbor:"created_at" json:"created_at"`
	LastUsedAt     time.Time `cbor:"last_used_at" json:"last_used_at"`
	PreviousUsedAt time.Time `cbor:"previous_used_at" json:"previous_used_at"`
	CountOfUses    int       `cbor:"uses" json:"count_of_uses"`
}

// lastActivity 最近一次使用时间，从未使用过时取创建时间
func (s State) lastActivity() time.Time {
	if s.LastUsedAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastUsedAt
}

// Ticket 票据
// 实现不是并发安全的，注册表通过克隆与 UpdateTicket 保证单票据上的修改线性化。
type Ticket interface {
	TicketID() string
	Kind() Kind
	TicketState() State
	Policy() ExpirationPolicy
	// IsExpired 每次都由策略重新计算，不缓存
	IsExpired(now time.Time) bool
	Clone() Ticket
}

// Base 票据公共字段
type Base struct {
	ID    string `cbor:"id" json:"id"`
	State `cbor:"state" json:"state"`

	ExpirationPolicy ExpirationPolicy `cbor:"-" json:"-"`
}

func newBase(id string, policy ExpirationPolicy, now time.Time) Base {
	return Base{
		ID:               id,
		State:            State{CreatedAt: now, LastUsedAt: now},
		ExpirationPolicy: policy,
	}
}

// TicketID 票据 ID
func (b *Base) TicketID() string { return b.ID }

// TicketState 票据状态快照
func (b *Base) TicketState() State { return b.State }

// Policy 票据绑定的过期策略
func (b *Base) Policy() ExpirationPolicy { return b.ExpirationPolicy }

// IsExpired 判断是否过期，未绑定策略的票据视为过期
func (b *Base) IsExpired(now time.Time) bool {
	if b.ExpirationPolicy == nil {
		return true
	}
	return b.ExpirationPolicy.IsExpired(b.State, now)
}

// Use 记录一次使用
func (b *Base) Use(now time.Time) {
	b.PreviousUsedAt = b.LastUsedAt
	b.LastUsedAt = now
	b.CountOfUses++
}

// Principal 已认证的主体
type Principal struct {
	ID         string              `cbor:"id" json:"id"`
	Attributes map[string][]string `cbor:"attrs,omitempty" json:"attributes,omitempty"`
}

// Authentication 一次成功认证的结果，由 TGT 独占
type Authentication struct {
	Principal       Principal           `cbor:"principal" json:"principal"`
	AuthenticatedAt time.Time           `cbor:"authenticated_at" json:"authenticated_at"`
	Attributes      map[string][]string `cbor:"attrs,omitempty" json:"attributes,omitempty"`
}

func (a Authentication) clone() Authentication {
	a.Principal.Attributes = cloneAttributes(a.Principal.Attributes)
	a.Attributes = cloneAttributes(a.Attributes)
	return a
}

func cloneAttributes(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// GrantOptions 签发 ST 的选项
type GrantOptions struct {
	// CredentialProvided 本次请求是否提交了凭据（新登录）
	CredentialProvided bool
	// OnlyTrackMostRecentSession 同一服务只保留最近签发的 ST 记录
	OnlyTrackMostRecentSession bool
}

// TicketGrantingTicket 票据授予票据，一次登录会话的根
type TicketGrantingTicket struct {
	Base `cbor:"base" json:"base"`

	Authentication Authentication `cbor:"authentication" json:"authentication"`
	// Services 由本 TGT 签发的 ST：ID -> 服务，仅记录关系，用于级联失效
	Services map[string]string `cbor:"services,omitempty" json:"services,omitempty"`
	// ProxyGrantingTickets 由本会话派生的 PGT ID
	ProxyGrantingTickets []string `cbor:"pgts,omitempty" json:"proxy_granting_tickets,omitempty"`

	// 以下字段仅 PGT 使用
	ParentTicketID string `cbor:"parent,omitempty" json:"parent_ticket_id,omitempty"`
	ProxiedBy      string `cbor:"proxied_by,omitempty" json:"proxied_by,omitempty"`
}

// NewTicketGrantingTicket 创建 TGT
func NewTicketGrantingTicket(id string, auth Authentication, policy ExpirationPolicy, now time.Time) *TicketGrantingTicket {
	return &TicketGrantingTicket{
		Base:           newBase(id, policy, now),
		Authentication: auth.clone(),
		Services:       make(map[string]string),
	}
}

func (t *TicketGrantingTicket) Kind() Kind { return KindTicketGrantingTicket }

// IsProxy 是否为代理授予票据
func (t *TicketGrantingTicket) IsProxy() bool { return t.ProxiedBy != "" }

// Clone 深拷贝
func (t *TicketGrantingTicket) Clone() Ticket {
	c := *t
	c.Authentication = t.Authentication.clone()
	c.Services = maps.Clone(t.Services)
	if c.Services == nil {
		c.Services = make(map[string]string)
	}
	c.ProxyGrantingTickets = slices.Clone(t.ProxyGrantingTickets)
	return &c
}

// GrantServiceTicket 签发 ST
// 先检查自身是否过期或处于节流窗口，任一成立则不创建；成功时记录一次使用并登记子票据。
func (t *TicketGrantingTicket) GrantServiceTicket(id, service string, policy ExpirationPolicy, now time.Time, opts GrantOptions) (*ServiceTicket, error) {
	if t.IsExpired(now) {
		return nil, ErrTicketExpired
	}
	if IsThrottled(t.ExpirationPolicy, t.State, now) {
		return nil, ErrTicketThrottled
	}

	fromNewLogin := opts.CredentialProvided || t.CountOfUses == 0
	t.Use(now)

	if t.Services == nil {
		t.Services = make(map[string]string)
	}
	if opts.OnlyTrackMostRecentSession {
		maps.DeleteFunc(t.Services, func(_, s string) bool { return s == service })
	}
	t.Services[id] = service

	return &ServiceTicket{
		Base:           newBase(id, policy, now),
		Service:        service,
		ParentTicketID: t.ID,
		FromNewLogin:   fromNewLogin,
	}, nil
}

// AddProxyGrantingTicket 登记派生的 PGT
func (t *TicketGrantingTicket) AddProxyGrantingTicket(id string) {
	if !slices.Contains(t.ProxyGrantingTickets, id) {
		t.ProxyGrantingTickets = append(t.ProxyGrantingTickets, id)
	}
}

// ChildIDs 级联删除时需要一并删除的票据 ID（ST 在前，PGT 在后）
func (t *TicketGrantingTicket) ChildIDs() []string {
	ids := slices.Sorted(maps.Keys(t.Services))
	return append(ids, t.ProxyGrantingTickets...)
}

// ServiceTicket 服务票据，限定于单个目标服务
type ServiceTicket struct {
	Base `cbor:"base" json:"base"`

	Service string `cbor:"service" json:"service"`
	// ParentTicketID 签发它的 TGT/PGT，仅为 ID 弱引用
	ParentTicketID string `cbor:"parent" json:"parent_ticket_id"`
	FromNewLogin   bool   `cbor:"new_login" json:"from_new_login"`
	// ProxyGrantingTicketID 由本票据派生的 PGT，至多一个
	ProxyGrantingTicketID string `cbor:"pgt,omitempty" json:"proxy_granting_ticket_id,omitempty"`
}

func (s *ServiceTicket) Kind() Kind { return KindServiceTicket }

// IsProxy 是否为代理票据
func (s *ServiceTicket) IsProxy() bool {
	return strings.HasPrefix(s.ID, PrefixProxyTicket+"-")
}

// Clone 拷贝
func (s *ServiceTicket) Clone() Ticket {
	c := *s
	return &c
}

// IsValidFor 不消耗票据的检查：服务匹配且未过期
func (s *ServiceTicket) IsValidFor(service string, now time.Time) bool {
	return !s.IsExpired(now) && s.Service == service
}

// Validate 消耗性校验
// 服务不匹配同样计入使用次数，防止用同一票据反复探测。
func (s *ServiceTicket) Validate(service string, now time.Time) error {
	if IsExhausted(s.ExpirationPolicy, s.State) {
		return ErrTicketConsumed
	}
	if s.IsExpired(now) {
		return ErrTicketExpired
	}
	if IsThrottled(s.ExpirationPolicy, s.State, now) {
		return ErrTicketThrottled
	}
	s.Use(now)
	if s.Service != service {
		return ErrServiceMismatch
	}
	return nil
}
