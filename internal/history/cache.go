package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/redis"
)

const (
	invalidateChannel = "history:invalidate"
	cacheTTL          = 30 * time.Minute
)

// InvalidateMessage broadcasts that a session's cached history is stale.
type InvalidateMessage struct {
	UserID    int64 `json:"user_id"`
	SessionID int64 `json:"session_id"`
}

// Cache keeps recent session history in redis so context assembly can skip
// the database on the hot path. Every operation is best-effort: a miss or
// error just means the caller reads the database.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// StartListener subscribes to invalidation broadcasts from other nodes.
func (c *Cache) StartListener(handler func(InvalidateMessage)) {
	if c == nil || c.client == nil || handler == nil {
		return
	}
	raw := c.client.Raw()
	if raw == nil {
		return
	}
	go func() {
		ctx := context.Background()
		pubsub := raw.Subscribe(ctx, invalidateChannel)
		ch := pubsub.Channel()
		for msg := range ch {
			var inv InvalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				log.Printf("history invalidation decode failed: %v", err)
				continue
			}
			handler(inv)
		}
	}()
}

// PublishInvalidation broadcasts an invalidation to all nodes.
func (c *Cache) PublishInvalidation(msg InvalidateMessage) {
	if c == nil || c.client == nil {
		return
	}
	raw := c.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("history invalidation marshal failed: %v", err)
		return
	}
	if err := raw.Publish(context.Background(), invalidateChannel, payload).Err(); err != nil {
		log.Printf("history publish invalidation failed: %v", err)
	}
}

// CacheHistory stores the ordered recent messages of a session.
func (c *Cache) CacheHistory(ctx context.Context, sessionID int64, messages []*models.Message) {
	if c == nil || c.client == nil || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		log.Printf("history cache marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, historyKey(sessionID), data, cacheTTL); err != nil {
		log.Printf("history cache write failed: %v", err)
	}
}

// LoadHistory returns cached messages for the session, refusing entries
// that belong to a different owner.
func (c *Cache) LoadHistory(ctx context.Context, userID, sessionID int64) ([]*models.Message, bool) {
	if c == nil || c.client == nil || sessionID <= 0 {
		return nil, false
	}
	raw, err := c.client.Get(ctx, historyKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("history cache read failed: %v", err)
		}
		return nil, false
	}
	var messages []*models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		log.Printf("history cache decode failed: %v", err)
		return nil, false
	}
	for _, m := range messages {
		if m != nil && m.UserID != userID {
			return nil, false
		}
	}
	return messages, true
}

// Invalidate drops the cached history of a session.
func (c *Cache) Invalidate(ctx context.Context, sessionID int64) {
	if c == nil || c.client == nil || sessionID <= 0 {
		return
	}
	if err := c.client.Del(ctx, historyKey(sessionID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("history cache invalidate failed: %v", err)
	}
}

func historyKey(sessionID int64) string {
	return fmt.Sprintf("history:session:%d", sessionID)
}
