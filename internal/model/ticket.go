// Package model 数据模型定义
package model

import (
	"time"
)

// TicketRecord 数据库注册表中的一行票据
// Body 为 CBOR 编码的完整票据；ID 可能是票据 ID 的摘要。
type TicketRecord struct {
	ID        string     `json:"id" gorm:"type:varchar(128);primaryKey"`
	Kind      string     `json:"kind" gorm:"type:varchar(8);index;not null"`
	Body      []byte     `json:"-" gorm:"not null"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" gorm:"index"` // 不再使用时的过期时间，永不过期为空
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (TicketRecord) TableName() string {
	return "cas_tickets"
}
