package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	rd "github.com/go-redis/redis/v9"
)

const defaultNamespace = "kapchat"

// compare-and-delete so a stale invalidation cannot drop a newer entry.
var invalidateScript = rd.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis shares the running-execution hint between engine instances.
type Redis struct {
	client    rd.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedis connects to the redis server at addr.
func NewRedis(addr, namespace string, ttl time.Duration) *Redis {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: []string{addr},
	})
	return NewRedisWithClient(client, namespace, ttl)
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client rd.UniversalClient, namespace string, ttl time.Duration) *Redis {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Redis{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis) key(conversationID string) string {
	return fmt.Sprintf("%s:running:%s", r.namespace, conversationID)
}

// Cache errors are logged and treated as misses.
func (r *Redis) Get(ctx context.Context, conversationID string) (string, bool) {
	id, err := r.client.Get(ctx, r.key(conversationID)).Result()
	if err != nil {
		if !errors.Is(err, rd.Nil) {
			slog.WarnContext(ctx, "redis cache get failed", "conversation_id", conversationID, "error", err)
		}
		return "", false
	}
	return id, true
}

func (r *Redis) Put(ctx context.Context, conversationID, executionID string) {
	if err := r.client.Set(ctx, r.key(conversationID), executionID, r.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "redis cache put failed", "conversation_id", conversationID, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, conversationID, executionID string) {
	var err error
	if executionID == "" {
		err = r.client.Del(ctx, r.key(conversationID)).Err()
	} else {
		err = invalidateScript.Run(ctx, r.client, []string{r.key(conversationID)}, executionID).Err()
	}
	if err != nil && !errors.Is(err, rd.Nil) {
		slog.WarnContext(ctx, "redis cache invalidate failed", "conversation_id", conversationID, "error", err)
	}
}

// Close releases the redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
