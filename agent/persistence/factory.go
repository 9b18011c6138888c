package persistence

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/internal/database"
)

// Backends carries the already-opened connections a store may need.
type Backends struct {
	Pool   *database.PoolManager
	Redis  *redis.Client
	Logger *zap.Logger
}

// NewStore creates a Store based on the configuration
func NewStore(config StoreConfig, backends Backends) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeSQL:
		if backends.Pool == nil {
			return nil, fmt.Errorf("sql store requires a database pool")
		}
		return NewGormStore(backends.Pool, config, backends.Logger)
	case StoreTypeRedis:
		if backends.Redis == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(backends.Redis, config, backends.Logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
