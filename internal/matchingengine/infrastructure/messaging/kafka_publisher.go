// Package messaging 把撮合事件发布到 Kafka
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/mq"
)

// Producer 发送已编码消息
type Producer interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

// KafkaPublisher 事件以 JSON 发往单一 topic，按消息 ID 分区保证同一指令的事件有序
type KafkaPublisher struct {
	producer Producer
	topic    string
}

// NewKafkaPublisher 创建事件发布器
func NewKafkaPublisher(producer *mq.KafkaProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish 编码并发送单个事件
func (p *KafkaPublisher) Publish(ctx context.Context, ev *domain.OutgoingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", ev.Sequence, err)
	}
	return p.producer.Send(ctx, p.topic, ev.Key(), data)
}
