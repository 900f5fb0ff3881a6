// Package data provides data access layer implementations.
// It handles database connections, the response cache and outbound
// endpoint plumbing.
package data

import (
	"OpsMender/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewPlanRepo,
	NewMessageRepo,
	NewAuditLogRepo,
	NewEndpointSpecs,
	NewChannelSet,
)

// Data contains shared data layer dependencies.
type Data struct {
	// redisClient is the Redis client backing the shared cache tier
	redisClient *redis.Client
	// cache is the two-tier response cache
	cache CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup; the cache
// degrades to its local tier.
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, shared cache tier will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
