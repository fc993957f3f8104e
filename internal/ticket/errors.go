// Package ticket 票据模型：ID 生成、过期策略、TGT/ST 实体与序列化
package ticket

import (
	"errors"
	"fmt"
)

// 票据生命周期错误
var (
	ErrTicketExpired  = errors.New("票据已过期")
	ErrTicketNotFound = errors.New("票据不存在")
	ErrInvalidTicket  = errors.New("票据无效")

	// 以下错误均属于 ErrInvalidTicket
	ErrTicketConsumed  = fmt.Errorf("%w: 票据已被使用", ErrInvalidTicket)
	ErrServiceMismatch = fmt.Errorf("%w: 服务不匹配", ErrInvalidTicket)
	ErrOrphanTicket    = fmt.Errorf("%w: 父票据不存在或已过期", ErrInvalidTicket)
	ErrProxyGranted    = fmt.Errorf("%w: 已签发过代理票据", ErrInvalidTicket)
	// ErrTicketThrottled 两次使用间隔过短，票据本身仍然有效
	ErrTicketThrottled = fmt.Errorf("%w: 使用过于频繁", ErrInvalidTicket)

	ErrEntropyUnavailable = errors.New("随机数熵源不可用")
	ErrInvalidPolicy      = errors.New("过期策略配置无效")
)
