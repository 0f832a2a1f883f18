// Package tokenbuf keeps a short-lived rolling buffer of streamed agent
// tokens per step, so an observer that attaches mid-stream can catch up on
// what it missed.
package tokenbuf

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ttl bounds how long an idle buffer survives.
	ttl = 5 * time.Minute
	// maxChars caps the buffered text per step; older tokens are dropped
	// from the front once exceeded.
	maxChars = 50000
)

// Buffer stores per-step token streams in Redis lists.
type Buffer struct {
	client *redis.Client
}

// New creates a Buffer on an existing Redis client.
func New(client *redis.Client) *Buffer {
	return &Buffer{client: client}
}

func key(pipelineID string, stepNumber int) string {
	return fmt.Sprintf("tokens:%s:%d", pipelineID, stepNumber)
}

// Append adds a token chunk to a step's buffer, refreshing its TTL and
// trimming oldest chunks when the buffer exceeds the character cap.
func (b *Buffer) Append(ctx context.Context, pipelineID string, stepNumber int, chunk string) error {
	if chunk == "" {
		return nil
	}
	k := key(pipelineID, stepNumber)

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, k, chunk)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append token: %w", err)
	}
	return b.trim(ctx, k)
}

// trim drops chunks from the front until total size fits the cap.
func (b *Buffer) trim(ctx context.Context, k string) error {
	chunks, err := b.client.LRange(ctx, k, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read buffer: %w", err)
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	drop := 0
	for total > maxChars && drop < len(chunks) {
		total -= len(chunks[drop])
		drop++
	}
	if drop > 0 {
		if err := b.client.LTrim(ctx, k, int64(drop), -1).Err(); err != nil {
			return fmt.Errorf("trim buffer: %w", err)
		}
	}
	return nil
}

// Catchup returns the buffered text for a step joined in arrival order.
// A missing or expired buffer yields the empty string.
func (b *Buffer) Catchup(ctx context.Context, pipelineID string, stepNumber int) (string, error) {
	chunks, err := b.client.LRange(ctx, key(pipelineID, stepNumber), 0, -1).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catchup: %w", err)
	}
	return strings.Join(chunks, ""), nil
}

// Clear drops a step's buffer, typically on step completion.
func (b *Buffer) Clear(ctx context.Context, pipelineID string, stepNumber int) error {
	if err := b.client.Del(ctx, key(pipelineID, stepNumber)).Err(); err != nil {
		return fmt.Errorf("clear buffer: %w", err)
	}
	return nil
}
