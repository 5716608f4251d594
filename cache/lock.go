package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

const DefaultLockTTL = 30 * time.Second

// releaseScript deletes the lock only while it still belongs to the caller,
// so an owner whose TTL lapsed cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RefreshLock is a best-effort cross-process marker that one replica is
// refreshing a credential. The TTL bounds how long a crashed owner blocks
// others.
type RefreshLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRefreshLock(client *redis.Client, ttl time.Duration) *RefreshLock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RefreshLock{client: client, ttl: ttl}
}

func lockKey(userID int64, provider oauth.Provider) string {
	return keyPrefix + "lock:" + string(provider) + ":" + strconv.FormatInt(userID, 10)
}

// TryLock makes a single attempt. When acquired is false another process
// holds the lock and release is nil.
func (l *RefreshLock) TryLock(ctx context.Context, userID int64, provider oauth.Provider) (release func(context.Context), acquired bool, err error) {
	key := lockKey(userID, provider)
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("refresh lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) {
		_ = releaseScript.Run(ctx, l.client, []string{key}, owner).Err()
	}, true, nil
}
