package persistence

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/types"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultStoreConfig()
	cfg.Type = StoreTypeRedis
	store, err := NewRedisStore(client, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		_, s := setupRedisStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, newTask("T1", types.TaskStateCreated, 0, baseTime)))
	assert.True(t, mr.Exists("axon:task:T1"))

	members, err := mr.Members("axon:tasks:state:created")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, members)
}

func TestRedisStore_PingAfterServerClose(t *testing.T) {
	mr, s := setupRedisStore(t)
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisStore_AgentHashLayout(t *testing.T) {
	mr, s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, newAgent("design-bot", 3, "design")))
	assert.Equal(t, "0", mr.HGet("axon:agent:design-bot", "current_load"))
	assert.Equal(t, "3", mr.HGet("axon:agent:design-bot", "max_concurrent_tasks"))
	assert.Equal(t, "1", mr.HGet("axon:agent:design-bot", "version"))

	a, err := s.AdjustAgentLoad(ctx, "design-bot", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.CurrentLoad)
	assert.Equal(t, int64(2), a.Version)
	assert.Equal(t, []string{"design"}, a.Capabilities)

	// 整体更新不能覆盖掉脚本写入的计数
	a, err = s.UpdateAgent(ctx, "design-bot", func(p *types.AgentProfile) error {
		p.Status = types.AgentStatusActive
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, a.CurrentLoad)
	assert.Equal(t, int64(3), a.Version)
}

func TestRedisStore_ConcurrentAgentAdjustmentsAllApply(t *testing.T) {
	_, s := setupRedisStore(t)
	ctx := context.Background()

	agent := newAgent("busy-bot", 100, "design")
	agent.ReputationScore = 0.2
	require.NoError(t, s.CreateAgent(ctx, agent))

	const workers = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, repErr := s.AdjustAgentReputation(ctx, "busy-bot", 0.01)
			_, loadErr := s.AdjustAgentLoad(ctx, "busy-bot", 1, nil)
			mu.Lock()
			defer mu.Unlock()
			for _, err := range []error{repErr, loadErr} {
				if err != nil {
					failures = append(failures, err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	a, err := s.GetAgent(ctx, "busy-bot")
	require.NoError(t, err)
	assert.InDelta(t, 0.84, a.ReputationScore, 1e-9)
	assert.Equal(t, workers, a.CurrentLoad)
	assert.Equal(t, int64(1+2*workers), a.Version)
}
