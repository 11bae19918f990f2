package voucher

import (
	"context"
	"encoding/json"

	xerrors "OpenProof-Chain/internal/errors"
)

// Event 是在队列上流转的凭证消息。携带签发节点的来源标签，
// 让消费侧能在读库之前丢弃不属于自己的事件。
type Event struct {
	VoucherID string `json:"voucherId"`
	OriginTag string `json:"originTag"`
}

// EncodeEvent 将凭证事件序列化为队列消息体。
func EncodeEvent(event Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(CodeVoucherPublish, err, "序列化凭证事件失败")
	}
	return body, nil
}

// DecodeEvent 从队列消息体还原凭证事件。
func DecodeEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, xerrors.Wrap(CodeVoucherPublish, err, "解析凭证事件失败")
	}
	if event.VoucherID == "" {
		return Event{}, xerrors.New(CodeVoucherPublish, "凭证事件缺少凭证 ID")
	}
	return event, nil
}

// Handler 处理来自消息队列的凭证事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向队列投递凭证事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费凭证事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
