package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// streamMaxLen caps progress streams; older entries are trimmed approximately.
const streamMaxLen = 10000

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
// data 序列化后写入 "data" 字段，附带 run 字段便于按导入批次过滤
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream, runID string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"run":       runID,
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()
}

// ReadRunFromStream 读取某次导入的全部进度消息（按写入顺序）
func ReadRunFromStream(ctx context.Context, client *redis.Client, stream, runID string) ([]json.RawMessage, error) {
	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var out []json.RawMessage
	for _, m := range msgs {
		if run, _ := m.Values["run"].(string); run != runID {
			continue
		}
		if data, ok := m.Values["data"].(string); ok {
			out = append(out, json.RawMessage(data))
		}
	}
	return out, nil
}
