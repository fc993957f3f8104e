package ticket

import (
	"fmt"
	"time"
)

// PolicyKind 过期策略类型
type PolicyKind string

// 支持的过期策略，集合封闭
const (
	PolicyHardTimeout            PolicyKind = "hard-timeout"
	PolicyTimeout                PolicyKind = "timeout"
	PolicyThrottledUseAndTimeout PolicyKind = "throttled"
	PolicyMultiTimeUseOrTimeout  PolicyKind = "multi-time-use"
	PolicyNeverExpires           PolicyKind = "never"
	PolicyTicketGrantingTicket   PolicyKind = "tgt"
)

// ExpirationPolicy 过期策略
// 策略是票据状态与当前时间的纯函数，不可变，可在多个票据和协程间共享。
type ExpirationPolicy interface {
	// IsExpired 判断票据在 now 时刻是否过期
	IsExpired(state State, now time.Time) bool
	// TimeToLive 策略配置的存活时长，0 表示永不过期
	TimeToLive() time.Duration
	// ExpiresAt 若不再使用，票据将在何时过期；零值表示永不过期
	ExpiresAt(state State) time.Time
	// Spec 策略的可序列化描述
	Spec() PolicySpec

	sealed()
}

// HardTimeoutPolicy 自创建起固定时长后过期，与使用无关
type HardTimeoutPolicy struct {
	TimeToKill time.Duration
}

func (p HardTimeoutPolicy) IsExpired(state State, now time.Time) bool {
	return !now.Before(p.ExpiresAt(state))
}

func (p HardTimeoutPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p HardTimeoutPolicy) ExpiresAt(state State) time.Time {
	return state.CreatedAt.Add(p.TimeToKill)
}

func (p HardTimeoutPolicy) Spec() PolicySpec {
	return PolicySpec{Kind: PolicyHardTimeout, TimeToKill: p.TimeToKill}
}

func (HardTimeoutPolicy) sealed() {}

// TimeoutPolicy 空闲超时，每次使用重置计时
type TimeoutPolicy struct {
	TimeToKill time.Duration
}

func (p TimeoutPolicy) IsExpired(state State, now time.Time) bool {
	return now.After(p.ExpiresAt(state))
}

func (p TimeoutPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p TimeoutPolicy) ExpiresAt(state State) time.Time {
	return state.lastActivity().Add(p.TimeToKill)
}

func (p TimeoutPolicy) Spec() PolicySpec {
	return PolicySpec{Kind: PolicyTimeout, TimeToKill: p.TimeToKill}
}

func (TimeoutPolicy) sealed() {}

// ThrottledUseAndTimeoutPolicy 空闲超时，并拒绝两次使用间隔过短的重放
type ThrottledUseAndTimeoutPolicy struct {
	TimeToKill        time.Duration
	TimeInBetweenUses time.Duration
}

func (p ThrottledUseAndTimeoutPolicy) IsExpired(state State, now time.Time) bool {
	return now.After(p.ExpiresAt(state))
}

// Throttled 是否处于节流窗口内；首次使用前不节流
func (p ThrottledUseAndTimeoutPolicy) Throttled(state State, now time.Time) bool {
	if state.CountOfUses == 0 {
		return false
	}
	return now.Before(state.lastActivity().Add(p.TimeInBetweenUses))
}

func (p ThrottledUseAndTimeoutPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p ThrottledUseAndTimeoutPolicy) ExpiresAt(state State) time.Time {
	return state.lastActivity().Add(p.TimeToKill)
}

func (p ThrottledUseAndTimeoutPolicy) Spec() PolicySpec {
	return PolicySpec{
		Kind:              PolicyThrottledUseAndTimeout,
		TimeToKill:        p.TimeToKill,
		TimeInBetweenUses: p.TimeInBetweenUses,
	}
}

func (ThrottledUseAndTimeoutPolicy) sealed() {}

// MultiTimeUseOrTimeoutPolicy 使用次数达到上限或自创建起超时即过期
type MultiTimeUseOrTimeoutPolicy struct {
	NumberOfUses int
	TimeToKill   time.Duration
}

func (p MultiTimeUseOrTimeoutPolicy) IsExpired(state State, now time.Time) bool {
	if state.CountOfUses >= p.NumberOfUses {
		return true
	}
	return !now.Before(p.ExpiresAt(state))
}

func (p MultiTimeUseOrTimeoutPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p MultiTimeUseOrTimeoutPolicy) ExpiresAt(state State) time.Time {
	return state.CreatedAt.Add(p.TimeToKill)
}

func (p MultiTimeUseOrTimeoutPolicy) Spec() PolicySpec {
	return PolicySpec{
		Kind:         PolicyMultiTimeUseOrTimeout,
		NumberOfUses: p.NumberOfUses,
		TimeToKill:   p.TimeToKill,
	}
}

func (MultiTimeUseOrTimeoutPolicy) sealed() {}

// NeverExpiresPolicy 永不过期
type NeverExpiresPolicy struct{}

func (NeverExpiresPolicy) IsExpired(State, time.Time) bool { return false }

func (NeverExpiresPolicy) TimeToLive() time.Duration { return 0 }

func (NeverExpiresPolicy) ExpiresAt(State) time.Time { return time.Time{} }

func (NeverExpiresPolicy) Spec() PolicySpec { return PolicySpec{Kind: PolicyNeverExpires} }

func (NeverExpiresPolicy) sealed() {}

// TicketGrantingTicketPolicy TGT 默认策略：最长存活时间 + 空闲超时
type TicketGrantingTicketPolicy struct {
	MaxTimeToLive time.Duration
	TimeToKill    time.Duration
}

func (p TicketGrantingTicketPolicy) IsExpired(state State, now time.Time) bool {
	return !now.Before(p.ExpiresAt(state))
}

func (p TicketGrantingTicketPolicy) TimeToLive() time.Duration { return p.MaxTimeToLive }

func (p TicketGrantingTicketPolicy) ExpiresAt(state State) time.Time {
	hard := state.CreatedAt.Add(p.MaxTimeToLive)
	idle := state.lastActivity().Add(p.TimeToKill)
	if idle.Before(hard) {
		return idle
	}
	return hard
}

func (p TicketGrantingTicketPolicy) Spec() PolicySpec {
	return PolicySpec{
		Kind:          PolicyTicketGrantingTicket,
		MaxTimeToLive: p.MaxTimeToLive,
		TimeToKill:    p.TimeToKill,
	}
}

func (TicketGrantingTicketPolicy) sealed() {}

// IsExhausted 票据是否已用尽允许的使用次数
func IsExhausted(p ExpirationPolicy, state State) bool {
	v, ok := p.(MultiTimeUseOrTimeoutPolicy)
	return ok && state.CountOfUses >= v.NumberOfUses
}

// IsThrottled 票据当前是否因使用过于频繁而暂不可用，与过期无关
func IsThrottled(p ExpirationPolicy, state State, now time.Time) bool {
	v, ok := p.(ThrottledUseAndTimeoutPolicy)
	return ok && v.Throttled(state, now)
}

// PolicySpec 过期策略的可序列化描述，同时作为配置结构
type PolicySpec struct {
	Kind              PolicyKind    `cbor:"kind" json:"kind"`
	MaxTimeToLive     time.Duration `cbor:"max_ttl,omitempty" json:"max_time_to_live,omitempty"`
	TimeToKill        time.Duration `cbor:"ttk,omitempty" json:"time_to_kill,omitempty"`
	TimeInBetweenUses time.Duration `cbor:"between,omitempty" json:"time_in_between_uses,omitempty"`
	NumberOfUses      int           `cbor:"uses,omitempty" json:"number_of_uses,omitempty"`
}

// Build 根据描述构建策略
func (s PolicySpec) Build() (ExpirationPolicy, error) {
	switch s.Kind {
	case PolicyHardTimeout:
		if s.TimeToKill <= 0 {
			return nil, fmt.Errorf("%w: %s 需要 time_to_kill", ErrInvalidPolicy, s.Kind)
		}
		return HardTimeoutPolicy{TimeToKill: s.TimeToKill}, nil
	case PolicyTimeout:
		if s.TimeToKill <= 0 {
			return nil, fmt.Errorf("%w: %s 需要 time_to_kill", ErrInvalidPolicy, s.Kind)
		}
		return TimeoutPolicy{TimeToKill: s.TimeToKill}, nil
	case PolicyThrottledUseAndTimeout:
		if s.TimeToKill <= 0 || s.TimeInBetweenUses <= 0 {
			return nil, fmt.Errorf("%w: %s 需要 time_to_kill 和 time_in_between_uses", ErrInvalidPolicy, s.Kind)
		}
		return ThrottledUseAndTimeoutPolicy{
			TimeToKill:        s.TimeToKill,
			TimeInBetweenUses: s.TimeInBetweenUses,
		}, nil
	case PolicyMultiTimeUseOrTimeout:
		if s.TimeToKill <= 0 || s.NumberOfUses <= 0 {
			return nil, fmt.Errorf("%w: %s 需要 time_to_kill 和 number_of_uses", ErrInvalidPolicy, s.Kind)
		}
		return MultiTimeUseOrTimeoutPolicy{
			NumberOfUses: s.NumberOfUses,
			TimeToKill:   s.TimeToKill,
		}, nil
	case PolicyNeverExpires:
		return NeverExpiresPolicy{}, nil
	case PolicyTicketGrantingTicket:
		if s.MaxTimeToLive <= 0 || s.TimeToKill <= 0 {
			return nil, fmt.Errorf("%w: %s 需要 max_time_to_live 和 time_to_kill", ErrInvalidPolicy, s.Kind)
		}
		return TicketGrantingTicketPolicy{
			MaxTimeToLive: s.MaxTimeToLive,
			TimeToKill:    s.TimeToKill,
		}, nil
	default:
		return nil, fmt.Errorf("%w: 未知策略 %q", ErrInvalidPolicy, s.Kind)
	}
}

// 默认策略参数
const (
	DefaultTGTMaxTimeToLive = 8 * time.Hour
	DefaultTGTTimeToKill    = 2 * time.Hour
	DefaultSTTimeToKill     = 10 * time.Second
	DefaultSTNumberOfUses   = 1
)
