package publisher

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/fortuna/nhlcrawler/internal/crawl"
)

// DefaultStream is the Redis stream run summaries are appended to.
const DefaultStream = "crawls.summary.nhl"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamPublisher publishes run summaries to a Redis stream
type RedisStreamPublisher struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewRedisStreamPublisher creates a publisher from an existing client. The
// stream is trimmed to roughly maxLen entries when maxLen > 0.
func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

// PublishSummary appends the summary to the stream
func (p *RedisStreamPublisher) PublishSummary(ctx context.Context, summary *crawl.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"run_id":    summary.RunID,
			"state":     string(summary.State),
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
