package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisExpiringKeyRepository struct {
	client    redis.UniversalClient
	keyPrefix string
	window    time.Duration
}

// NewRedisExpiringKeyRepository returns an [ExpiringKeyRepository]
// backed by Redis. Keys are claimed with SET NX and expire after
// the given window, so the deduplication state can be shared by
// multiple instances.
//
// All keys are stored under the given prefix to keep them apart
// from other data kept in the same Redis database.
func NewRedisExpiringKeyRepository(client redis.UniversalClient, keyPrefix string, window time.Duration) (ExpiringKeyRepository, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if window < time.Millisecond {
		return nil, errors.New("deduplication window of less than a millisecond is impractical")
	}

	return &redisExpiringKeyRepository{
		client:    client,
		keyPrefix: keyPrefix,
		window:    window,
	}, nil
}

func (kr *redisExpiringKeyRepository) IsDuplicate(ctx context.Context, key string) (bool, error) {
	claimed, err := kr.client.SetNX(ctx, kr.keyPrefix+key, 1, kr.window).Result()
	if err != nil {
		return false, err
	}
	return !claimed, nil
}
