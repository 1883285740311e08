package events

import (
	"context"
	"fmt"

	rediskit "github.com/merchant/checkout/pkg/redis"
)

// RedisPublisher 发布到 Redis Stream，消息体在 data 字段，type/merchantId 为顶层字段便于消费端过滤
type RedisPublisher struct {
	stream *rediskit.StreamClient
	name   string
}

func NewRedisPublisher(stream *rediskit.StreamClient, name string) *RedisPublisher {
	if name == "" {
		name = DefaultStream
	}
	return &RedisPublisher{stream: stream, name: name}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev *Event) error {
	_, err := p.stream.PublishFields(ctx, p.name, ev, map[string]string{
		"type":       string(ev.Type),
		"merchantId": ev.MerchantID,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
