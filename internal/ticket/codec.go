package ticket

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrCorruptTicket 序列化数据无法还原为票据
var ErrCorruptTicket = errors.New("票据数据损坏")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// 保留纳秒精度，空闲超时依赖精确的使用时间
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("ticket: CBOR 编码器初始化失败: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ticket: CBOR 解码器初始化失败: " + err.Error())
	}
}

// record 票据的存储格式，策略以 PolicySpec 形式保存
type record struct {
	Kind                 Kind                  `cbor:"kind"`
	Policy               PolicySpec            `cbor:"policy"`
	TicketGrantingTicket *TicketGrantingTicket `cbor:"tgt,omitempty"`
	ServiceTicket        *ServiceTicket        `cbor:"st,omitempty"`
}

// Marshal 将票据编码为 CBOR
func Marshal(t Ticket) ([]byte, error) {
	if t.Policy() == nil {
		return nil, fmt.Errorf("%w: 票据未绑定过期策略", ErrInvalidPolicy)
	}

	rec := record{Kind: t.Kind(), Policy: t.Policy().Spec()}
	switch v := t.(type) {
	case *TicketGrantingTicket:
		rec.TicketGrantingTicket = v
	case *ServiceTicket:
		rec.ServiceTicket = v
	default:
		return nil, fmt.Errorf("不支持的票据类型: %T", t)
	}

	return encMode.Marshal(rec)
}

// Unmarshal 从 CBOR 还原票据，并重建过期策略
func Unmarshal(data []byte) (Ticket, error) {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTicket, err)
	}

	policy, err := rec.Policy.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTicket, err)
	}

	switch {
	case rec.Kind == KindTicketGrantingTicket && rec.TicketGrantingTicket != nil:
		t := rec.TicketGrantingTicket
		t.ExpirationPolicy = policy
		if t.Services == nil {
			t.Services = make(map[string]string)
		}
		return t, nil
	case rec.Kind == KindServiceTicket && rec.ServiceTicket != nil:
		t := rec.ServiceTicket
		t.ExpirationPolicy = policy
		return t, nil
	default:
		return nil, fmt.Errorf("%w: 未知票据类型 %q", ErrCorruptTicket, rec.Kind)
	}
}
