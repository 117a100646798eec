package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "authz:perms"
	// InvalidationChannel carries user ids whose cached sets were invalidated.
	InvalidationChannel = "authz:perms:invalidate"
)

// RedisBackend shares entries and generations between processes. Entry keys
// embed the user's generation; invalidation is an INCR of the generation key.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps a go-redis client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func generationKey(userID int64) string {
	return fmt.Sprintf("%s:gen:%d", redisKeyPrefix, userID)
}

func entryKey(key Key, gen int64) string {
	return fmt.Sprintf("%s:%d:%d:%s:%d", redisKeyPrefix, key.UserID, gen, key.Context.Type, key.Context.ID)
}

// Generation implements Backend.
func (b *RedisBackend) Generation(ctx context.Context, userID int64) (int64, error) {
	gen, err := b.client.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return gen, nil
}

// Load implements Backend.
func (b *RedisBackend) Load(ctx context.Context, key Key, gen int64) (Entry, bool, error) {
	payload, err := b.client.Get(ctx, entryKey(key, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		// A corrupt payload is a miss; the next store overwrites it.
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Store implements Backend.
func (b *RedisBackend) Store(ctx context.Context, entry Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, entryKey(entry.Key(), entry.Generation), raw, ttl).Err()
}

// Bump implements Backend. Every process reads the generation from Redis, so
// no broadcast is needed.
func (b *RedisBackend) Bump(ctx context.Context, userID int64) (int64, error) {
	return b.client.Incr(ctx, generationKey(userID)).Result()
}

// Broadcaster publishes invalidations for caches kept in process memory.
type Broadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBroadcaster returns a Broadcaster on InvalidationChannel.
func NewBroadcaster(client *redis.Client, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: InvalidationChannel, logger: logger}
}

// Publish announces that userID was invalidated. Delivery is best effort.
func (b *Broadcaster) Publish(ctx context.Context, userID int64) {
	if b == nil || b.client == nil {
		return
	}
	if err := b.client.Publish(ctx, b.channel, strconv.FormatInt(userID, 10)).Err(); err != nil {
		b.logger.Warn("permcache broadcast", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// Listen subscribes to invalidations and calls apply for each user id until
// ctx is done. The subscription is confirmed before Listen returns.
func (b *Broadcaster) Listen(ctx context.Context, apply func(context.Context, int64) error) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("permcache: subscribe: %w", err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				userID, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					b.logger.Warn("permcache invalid broadcast", slog.String("payload", msg.Payload))
					continue
				}
				if err := apply(ctx, userID); err != nil {
					b.logger.Warn("permcache apply broadcast", slog.Int64("user_id", userID), slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}
