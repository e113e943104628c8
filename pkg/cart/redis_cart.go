package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ebookstore:cart"
	defaultTTL    = 30 * 24 * time.Hour
	// MaxQuantity caps a single line.
	MaxQuantity = 99
)

var ErrInvalidQuantity = fmt.Errorf("quantity must be between 1 and %d", MaxQuantity)

// Line is a raw cart entry; prices are resolved by the caller at read time.
type Line struct {
	BookID   string
	Quantity int
}

// RedisCart stores one hash per user: field = book id, value = quantity.
// Every write refreshes the TTL so idle carts expire.
type RedisCart struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCart(client *redis.Client, prefix string, ttl time.Duration) (*RedisCart, error) {
	if client == nil {
		return nil, errors.New("cart redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCart{client: client, prefix: prefix, ttl: ttl}, nil
}

// Set replaces the quantity of a line.
func (c *RedisCart) Set(ctx context.Context, userID, bookID string, quantity int) error {
	if quantity < 1 || quantity > MaxQuantity {
		return ErrInvalidQuantity
	}
	key := c.key(userID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, bookID, quantity)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cart set: %w", err)
	}
	return nil
}

// Add increments a line by quantity, capped at MaxQuantity.
func (c *RedisCart) Add(ctx context.Context, userID, bookID string, quantity int) (int, error) {
	if quantity < 1 || quantity > MaxQuantity {
		return 0, ErrInvalidQuantity
	}
	key := c.key(userID)
	pipe := c.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, bookID, int64(quantity))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cart add: %w", err)
	}
	total := int(incr.Val())
	if total > MaxQuantity {
		if err := c.client.HSet(ctx, key, bookID, MaxQuantity).Err(); err != nil {
			return 0, fmt.Errorf("cart cap: %w", err)
		}
		total = MaxQuantity
	}
	return total, nil
}

func (c *RedisCart) Remove(ctx context.Context, userID, bookID string) error {
	if err := c.client.HDel(ctx, c.key(userID), bookID).Err(); err != nil {
		return fmt.Errorf("cart remove: %w", err)
	}
	return nil
}

// Items returns the cart lines ordered by book id.
func (c *RedisCart) Items(ctx context.Context, userID string) ([]Line, error) {
	raw, err := c.client.HGetAll(ctx, c.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cart items: %w", err)
	}
	lines := make([]Line, 0, len(raw))
	for bookID, v := range raw {
		qty, err := strconv.Atoi(v)
		if err != nil || qty < 1 {
			continue
		}
		lines = append(lines, Line{BookID: bookID, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].BookID < lines[j].BookID })
	return lines, nil
}

func (c *RedisCart) Clear(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("cart clear: %w", err)
	}
	return nil
}

func (c *RedisCart) key(userID string) string {
	return c.prefix + ":" + userID
}
