package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/merchant/checkout/pkg/tracing"
)

// StreamClient Redis Streams 发布端
type StreamClient struct {
	client redis.Cmdable
	maxLen int64
}

// NewStreamClient 创建客户端，maxLen > 0 时按近似长度裁剪 stream
func NewStreamClient(client redis.Cmdable, maxLen int64) *StreamClient {
	return &StreamClient{client: client, maxLen: maxLen}
}

// Publish 发布消息到 Stream，消息体放在 data 字段
func (c *StreamClient) Publish(ctx context.Context, stream string, msg interface{}) (string, error) {
	return c.PublishFields(ctx, stream, msg, nil)
}

// PublishFields 发布消息并附带额外的顶层字段（如事件类型）
func (c *StreamClient) PublishFields(ctx context.Context, stream string, msg interface{}, fields map[string]string) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	values := map[string]interface{}{
		"data": string(data),
	}
	for k, v := range fields {
		values[k] = v
	}
	for k, v := range tracing.Fields(ctx) {
		values[k] = v
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}
