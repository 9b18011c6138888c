package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/janreges/axon-mcp-sub003/agent/persistence"
	"github.com/janreges/axon-mcp-sub003/internal/cache"
	"github.com/janreges/axon-mcp-sub003/types"
)

// DefinitionStore is the storage side of workflow definitions.
type DefinitionStore interface {
	CreateWorkflow(ctx context.Context, def *types.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)
}

// Definitions resolves workflow definitions by id.
type Definitions interface {
	Get(ctx context.Context, id string) (*types.WorkflowDefinition, error)
	Create(ctx context.Context, def *types.WorkflowDefinition) error
}

type storeDefinitions struct {
	store DefinitionStore
}

// StoreDefinitions reads definitions straight from the store.
func StoreDefinitions(store DefinitionStore) Definitions {
	return storeDefinitions{store: store}
}

func (s storeDefinitions) Get(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	def, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, persistence.ToDomainError(err, "workflow", id)
	}
	return def, nil
}

func (s storeDefinitions) Create(ctx context.Context, def *types.WorkflowDefinition) error {
	return persistence.ToDomainError(s.store.CreateWorkflow(ctx, def), "workflow", def.ID)
}

// JSONCache is the subset of cache.Manager used for definitions.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CacheObserver is told about every cache lookup.
type CacheObserver func(hit bool)

// CachedDefinitions puts a JSON cache in front of another Definitions.
// Definitions are immutable once stored, so entries are never invalidated;
// concurrent misses for the same id share one backend read.
type CachedDefinitions struct {
	next     Definitions
	cache    JSONCache
	ttl      time.Duration
	prefix   string
	group    singleflight.Group
	logger   *zap.Logger
	observer CacheObserver
}

// NewCachedDefinitions wraps next with cache. A zero ttl uses the cache default.
func NewCachedDefinitions(next Definitions, c JSONCache, ttl time.Duration, logger *zap.Logger) *CachedDefinitions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedDefinitions{
		next:   next,
		cache:  c,
		ttl:    ttl,
		prefix: "axon:workflow:",
		logger: logger.With(zap.String("component", "workflow_cache")),
	}
}

// OnLookup registers an observer for hits and misses.
func (c *CachedDefinitions) OnLookup(fn CacheObserver) {
	c.observer = fn
}

func (c *CachedDefinitions) key(id string) string {
	return c.prefix + id
}

// Get returns the definition from cache, falling back to the wrapped source.
func (c *CachedDefinitions) Get(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	err := c.cache.GetJSON(ctx, c.key(id), &def)
	if err == nil {
		c.observe(true)
		return &def, nil
	}
	if !cache.IsCacheMiss(err) {
		// 缓存不可用时直接读存储
		c.logger.Warn("workflow cache read failed", zap.String("workflow", id), zap.Error(err))
	}
	c.observe(false)

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		loaded, err := c.next.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := c.cache.SetJSON(ctx, c.key(id), loaded, c.ttl); err != nil {
			c.logger.Warn("workflow cache write failed", zap.String("workflow", id), zap.Error(err))
		}
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight 共享结果，返回副本
	shared := *v.(*types.WorkflowDefinition)
	shared.Steps = append([]types.WorkflowStep(nil), shared.Steps...)
	return &shared, nil
}

// Create stores the definition and primes the cache.
func (c *CachedDefinitions) Create(ctx context.Context, def *types.WorkflowDefinition) error {
	if err := c.next.Create(ctx, def); err != nil {
		return err
	}
	if err := c.cache.SetJSON(ctx, c.key(def.ID), def, c.ttl); err != nil {
		c.logger.Warn("workflow cache write failed", zap.String("workflow", def.ID), zap.Error(err))
	}
	return nil
}

func (c *CachedDefinitions) observe(hit bool) {
	if c.observer != nil {
		c.observer(hit)
	}
}
