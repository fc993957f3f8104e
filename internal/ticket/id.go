package ticket

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
)

// 票据 ID 前缀
const (
	PrefixTicketGrantingTicket = "TGT"
	PrefixProxyGrantingTicket  = "PGT"
	PrefixServiceTicket        = "ST"
	PrefixProxyTicket          = "PT"
)

// randomBytes 每个 ID 的随机部分长度（160 位）
const randomBytes = 20

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// IDGenerator 票据 ID 生成器
type IDGenerator interface {
	// NewTicketID 生成带前缀的唯一票据 ID
	NewTicketID(prefix string) string
}

// DefaultIDGenerator 基于密码学随机数的 ID 生成器
// 格式: <prefix>-<32 位 base32 随机串>[-<suffix>]
type DefaultIDGenerator struct {
	reader io.Reader
	suffix string
}

// NewIDGenerator 创建 ID 生成器，suffix 通常为节点标识，可为空
func NewIDGenerator(suffix string) (*DefaultIDGenerator, error) {
	return newIDGenerator(rand.Reader, suffix)
}

func newIDGenerator(reader io.Reader, suffix string) (*DefaultIDGenerator, error) {
	// 启动时探测熵源，失败直接终止
	probe := make([]byte, randomBytes)
	if _, err := io.ReadFull(reader, probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
	}
	return &DefaultIDGenerator{
		reader: reader,
		suffix: strings.TrimSpace(suffix),
	}, nil
}

// NewTicketID 生成票据 ID
// 熵源在运行期失效属于不可恢复错误，直接 panic
func (g *DefaultIDGenerator) NewTicketID(prefix string) string {
	buf := make([]byte, randomBytes)
	if _, err := io.ReadFull(g.reader, buf); err != nil {
		panic(fmt.Errorf("%w: %v", ErrEntropyUnavailable, err))
	}

	var sb strings.Builder
	sb.Grow(len(prefix) + 34 + len(g.suffix))
	sb.WriteString(prefix)
	sb.WriteByte('-')
	sb.WriteString(idEncoding.EncodeToString(buf))
	if g.suffix != "" {
		sb.WriteByte('-')
		sb.WriteString(g.suffix)
	}
	return sb.String()
}

// PrefixOf 返回票据 ID 的类型前缀，无需查询注册表
func PrefixOf(id string) string {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return ""
	}
	return prefix
}

// Mask 日志中使用的脱敏票据 ID
func Mask(id string) string {
	prefix, rest, ok := strings.Cut(id, "-")
	if !ok {
		return "***"
	}
	if len(rest) > 6 {
		rest = rest[:6]
	}
	return prefix + "-" + rest + "***"
}
