package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	api "github.com/mohitkumar/engage/api/v1"
	"github.com/mohitkumar/engage/lock"
	"github.com/mohitkumar/engage/logger"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const LEASE_KEY string = "LEASE"

// releaseScript deletes the key only while it still carries the caller's
// token, so an expired holder cannot free a lease taken over by someone else.
var releaseScript = rd.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lock.Locker = new(Locker)

type Locker struct {
	*baseDao
}

func NewLocker(conf Config) *Locker {
	return &Locker{baseDao: newBaseDao(conf)}
}

func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	redisKey := l.getNamespaceKey(LEASE_KEY, key)
	token := uuid.NewString()
	ok, err := l.redisClient.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		logger.Error("error while acquiring lease", zap.String("key", redisKey), zap.Error(err))
		return nil, api.StorageLayerError{Message: "acquire lease", Err: err}
	}
	if !ok {
		return nil, lock.ErrNotAcquired
	}
	return &lease{locker: l, key: key, redisKey: redisKey, token: token}, nil
}

type lease struct {
	locker   *Locker
	key      string
	redisKey string
	token    string
}

func (l *lease) Key() string   { return l.key }
func (l *lease) Token() string { return l.token }

func (l *lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.redisClient, []string{l.redisKey}, l.token).Int()
	if err != nil {
		logger.Error("error while releasing lease", zap.String("key", l.redisKey), zap.Error(err))
		return api.StorageLayerError{Message: "release lease", Err: err}
	}
	if n == 0 {
		logger.Warn("lease expired before release", zap.String("key", l.redisKey))
	}
	return nil
}
