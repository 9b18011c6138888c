package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/janreges/axon-mcp-sub003/types"
)

// RedisStore is a Redis-based implementation of Store.
// Tasks, handoffs and workflows are JSON documents carrying a version field;
// multi-key atomic writes run as Lua scripts that compare versions before
// writing. Agents are hashes so load and reputation can be adjusted in place.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	maxRetries int
	logger     *zap.Logger
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client, config StoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultStoreConfig().KeyPrefix
	}
	retries := config.MaxUpdateRetries
	if retries <= 0 {
		retries = DefaultStoreConfig().MaxUpdateRetries
	}
	return &RedisStore{
		client:     client,
		keyPrefix:  prefix,
		maxRetries: retries,
		logger:     logger.With(zap.String("component", "redis_store")),
	}, nil
}

// Close closes the store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ---- key layout ----

func (s *RedisStore) taskKey(code string) string         { return s.keyPrefix + "task:" + code }
func (s *RedisStore) taskEventsKey(code string) string   { return s.keyPrefix + "task:" + code + ":events" }
func (s *RedisStore) taskStepsKey(code string) string    { return s.keyPrefix + "task:" + code + ":steps" }
func (s *RedisStore) allTasksKey() string                { return s.keyPrefix + "tasks" }
func (s *RedisStore) stateKeyPrefix() string             { return s.keyPrefix + "tasks:state:" }
func (s *RedisStore) stateKey(st types.TaskState) string { return s.stateKeyPrefix() + string(st) }
func (s *RedisStore) eventSeqKey() string                { return s.keyPrefix + "events:seq" }
func (s *RedisStore) handoffKey(id string) string        { return s.keyPrefix + "handoff:" + id }
func (s *RedisStore) allHandoffsKey() string             { return s.keyPrefix + "handoffs" }
func (s *RedisStore) agentKey(name string) string        { return s.keyPrefix + "agent:" + name }
func (s *RedisStore) allAgentsKey() string               { return s.keyPrefix + "agents" }
func (s *RedisStore) workflowKey(id string) string       { return s.keyPrefix + "workflow:" + id }

// ============================================================
// Lua 脚本：先检查，全部通过后再写入
// ============================================================

// createTaskScript 插入任务并维护索引
var createTaskScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[3])
	return 1
`)

// applyTaskUpdateScript 乐观锁写入任务及其附属记录
//
// KEYS: 1 task, 2 events, 3 steps, 4 new handoff, 5 accepted handoff,
//
//	6 event seq, 7 handoff index
//
// ARGV: 1 expected version, 2 task json, 3 new state, 4 state key prefix,
//
//	5 code, 6 event count, 7 step id, 8 step json, 9 new handoff id,
//	10 new handoff json, 11 new handoff score, 12 accepted handoff json,
//	13.. event json
var applyTaskUpdateScript = redis.NewScript(`
	if ARGV[12] ~= '' then
		local h = redis.call('GET', KEYS[5])
		if not h then
			return -4
		end
		local decoded = cjson.decode(h)
		if decoded.accepted_by and decoded.accepted_by ~= '' then
			return -5
		end
	end

	local current = redis.call('GET', KEYS[1])
	if not current then
		return -1
	end
	local task = cjson.decode(current)
	if tonumber(task.version) ~= tonumber(ARGV[1]) then
		return -2
	end

	if ARGV[7] ~= '' and redis.call('HEXISTS', KEYS[3], ARGV[7]) == 1 then
		return -3
	end
	if ARGV[9] ~= '' and redis.call('EXISTS', KEYS[4]) == 1 then
		return -3
	end

	redis.call('SET', KEYS[1], ARGV[2])
	if task.state ~= ARGV[3] then
		redis.call('SREM', ARGV[4] .. task.state, ARGV[5])
		redis.call('SADD', ARGV[4] .. ARGV[3], ARGV[5])
	end
	if ARGV[7] ~= '' then
		redis.call('HSET', KEYS[3], ARGV[7], ARGV[8])
	end
	if ARGV[9] ~= '' then
		redis.call('SET', KEYS[4], ARGV[10])
		redis.call('ZADD', KEYS[7], ARGV[11], ARGV[9])
	end
	if ARGV[12] ~= '' then
		redis.call('SET', KEYS[5], ARGV[12])
	end
	for i = 1, tonumber(ARGV[6]) do
		local seq = redis.call('INCR', KEYS[6])
		redis.call('ZADD', KEYS[2], seq, seq .. '|' .. ARGV[12 + i])
	end
	return 1
`)

// createAgentScript 不存在时写入 Agent 哈希并加入索引
var createAgentScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'version', ARGV[2], 'current_load', ARGV[3],
		'max_concurrent_tasks', ARGV[4], 'reputation_score', ARGV[5], 'updated_at', ARGV[6])
	redis.call('ZADD', KEYS[2], 0, ARGV[7])
	return 1
`)

// casAgentScript 版本号一致时整体覆盖 Agent 哈希
var casAgentScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'version')
	if not current then
		return -1
	end
	if tonumber(current) ~= tonumber(ARGV[1]) then
		return -2
	end
	redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', ARGV[3], 'current_load', ARGV[4],
		'max_concurrent_tasks', ARGV[5], 'reputation_score', ARGV[6], 'updated_at', ARGV[7])
	return 1
`)

// adjustAgentLoadScript 在 [0, max_concurrent_tasks] 内调整负载
// ARGV: 1 增量, 2 绝对值（空串表示不使用）, 3 更新时间
var adjustAgentLoadScript = redis.NewScript(`
	local cur = redis.call('HMGET', KEYS[1], 'current_load', 'max_concurrent_tasks')
	if not cur[1] then
		return -1
	end
	local load = tonumber(cur[1]) + tonumber(ARGV[1])
	if ARGV[2] ~= '' then
		load = tonumber(ARGV[2])
	end
	if load < 0 or load > tonumber(cur[2]) then
		return -3
	end
	redis.call('HSET', KEYS[1], 'current_load', string.format('%d', load), 'updated_at', ARGV[3])
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	return redis.call('HMGET', KEYS[1], 'doc', 'version', 'current_load', 'max_concurrent_tasks', 'reputation_score', 'updated_at')
`)

// adjustAgentReputationScript 累加信誉分并截断到 [0, 1]
// ARGV: 1 增量, 2 更新时间
var adjustAgentReputationScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	local score = tonumber(redis.call('HINCRBYFLOAT', KEYS[1], 'reputation_score', ARGV[1]))
	if score > 1 then
		redis.call('HSET', KEYS[1], 'reputation_score', '1')
	elseif score < 0 then
		redis.call('HSET', KEYS[1], 'reputation_score', '0')
	end
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	return redis.call('HMGET', KEYS[1], 'doc', 'version', 'current_load', 'max_concurrent_tasks', 'reputation_score', 'updated_at')
`)

// createIndexedDocScript 不存在时写入文档并加入有序集合索引
var createIndexedDocScript = redis.NewScript(`
	if ARGV[4] ~= '' and redis.call('EXISTS', ARGV[4]) == 0 then
		return -1
	end
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
`)

func scoreOf(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// =============================================================================
// 任务
// =============================================================================

// CreateTask inserts a new task.
func (s *RedisStore) CreateTask(ctx context.Context, task *types.Task) error {
	if task == nil || task.Code == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	res, err := createTaskScript.Run(ctx, s.client,
		[]string{s.taskKey(task.Code), s.allTasksKey(), s.stateKey(task.State)},
		data, scoreOf(task.CreatedAt), task.Code).Int()
	if err != nil {
		return fmt.Errorf("redis create task: %w", err)
	}
	if res == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetTask retrieves a task by code
func (s *RedisStore) GetTask(ctx context.Context, code string) (*types.Task, error) {
	var t types.Task
	if err := s.getDoc(ctx, s.taskKey(code), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) getDoc(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) loadTasks(ctx context.Context, codes []string) ([]*types.Task, error) {
	if len(codes) == 0 {
		return []*types.Task{}, nil
	}
	keys := make([]string, len(codes))
	for i, c := range codes {
		keys[i] = s.taskKey(c)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var t types.Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStore) taskCodes(ctx context.Context, states []types.TaskState) ([]string, error) {
	if len(states) == 0 {
		return s.client.ZRange(ctx, s.allTasksKey(), 0, -1).Result()
	}
	keys := make([]string, len(states))
	for i, st := range states {
		keys[i] = s.stateKey(st)
	}
	return s.client.SUnion(ctx, keys...).Result()
}

// ListTasks retrieves tasks matching the filter, oldest first.
func (s *RedisStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	codes, err := s.taskCodes(ctx, filter.States)
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadTasks(ctx, codes)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if matchesTaskFilter(t, filter) {
			out = append(out, t)
		}
	}
	sortTasksByCreation(out)
	return paginate(out, filter.Offset, filter.Limit), nil
}

// CandidateTasks returns discovery candidates in ranking order.
func (s *RedisStore) CandidateTasks(ctx context.Context, query CandidateQuery) ([]*types.Task, error) {
	codes, err := s.taskCodes(ctx, query.States)
	if err != nil {
		return nil, err
	}
	tasks, err := s.loadTasks(ctx, codes)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Task, 0, len(tasks))
	for _, t := range tasks {
		if matchesCandidate(t, query) {
			out = append(out, t)
		}
	}
	SortCandidates(out)
	return paginate(out, 0, query.Limit), nil
}

// ApplyTaskUpdate runs the whole unit as one Lua script.
func (s *RedisStore) ApplyTaskUpdate(ctx context.Context, u TaskUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	taskJSON, err := json.Marshal(u.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	var stepID, stepJSON, newID, newJSON, acceptedJSON string
	var newScore float64
	acceptKey := s.handoffKey("")
	newKey := s.handoffKey("")

	events := make([]any, 0, len(u.Events))
	for _, ev := range u.Events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		events = append(events, string(b))
	}
	if u.CompletedStep != nil {
		b, err := json.Marshal(u.CompletedStep)
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}
		stepID, stepJSON = u.CompletedStep.StepID, string(b)
	}
	if u.NewHandoff != nil {
		b, err := json.Marshal(u.NewHandoff)
		if err != nil {
			return fmt.Errorf("marshal handoff: %w", err)
		}
		newID, newJSON = u.NewHandoff.ID, string(b)
		newKey = s.handoffKey(newID)
		newScore = scoreOf(u.NewHandoff.CreatedAt)
	}
	if u.AcceptHandoff != nil {
		// 交接包除接受字段外不可变，因此可以基于当前快照构造接受后的文档
		h, err := s.GetHandoff(ctx, u.AcceptHandoff.HandoffID)
		if err != nil {
			return err
		}
		if h.IsAccepted() {
			return ErrAlreadyExists
		}
		at := u.AcceptHandoff.AcceptedAt
		h.AcceptedAt = &at
		h.AcceptedBy = u.AcceptHandoff.AgentName
		b, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshal handoff: %w", err)
		}
		acceptedJSON = string(b)
		acceptKey = s.handoffKey(h.ID)
	}

	keys := []string{
		s.taskKey(u.Task.Code),
		s.taskEventsKey(u.Task.Code),
		s.taskStepsKey(u.Task.Code),
		newKey,
		acceptKey,
		s.eventSeqKey(),
		s.allHandoffsKey(),
	}
	args := []any{
		u.ExpectedVersion, string(taskJSON), string(u.Task.State), s.stateKeyPrefix(),
		u.Task.Code, len(events), stepID, stepJSON, newID, newJSON, newScore, acceptedJSON,
	}
	res, err := applyTaskUpdateScript.Run(ctx, s.client, keys, append(args, events...)...).Int()
	if err != nil {
		return fmt.Errorf("redis apply task update: %w", err)
	}
	switch res {
	case 1:
		return nil
	case -1, -4:
		return ErrNotFound
	case -2:
		return ErrConflict
	case -3, -5:
		return ErrAlreadyExists
	default:
		return fmt.Errorf("redis apply task update: unexpected result %d", res)
	}
}

// ListTaskEvents returns the audit trail of a task in write order.
func (s *RedisStore) ListTaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error) {
	members, err := s.client.ZRange(ctx, s.taskEventsKey(code), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.TaskEvent, 0, len(members))
	for _, m := range members {
		seq, body, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		var ev types.TaskEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		ev.ID, _ = strconv.ParseInt(seq, 10, 64)
		out = append(out, &ev)
	}
	return out, nil
}

// =============================================================================
// 工作流
// =============================================================================

// CreateWorkflow stores a new definition. Definitions are never replaced.
func (s *RedisStore) CreateWorkflow(ctx context.Context, def *types.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.workflowKey(def.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// GetWorkflow retrieves a definition by id.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	if err := s.getDoc(ctx, s.workflowKey(id), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListCompletedSteps returns the completed steps of a task by completion time.
func (s *RedisStore) ListCompletedSteps(ctx context.Context, taskCode string) ([]*types.CompletedStep, error) {
	values, err := s.client.HVals(ctx, s.taskStepsKey(taskCode)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.CompletedStep, 0, len(values))
	for _, v := range values {
		var st types.CompletedStep
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		out = append(out, &st)
	}
	sortCompletedSteps(out)
	return out, nil
}

// =============================================================================
// 交接包
// =============================================================================

// CreateHandoff stores a standalone handoff package.
func (s *RedisStore) CreateHandoff(ctx context.Context, h *types.HandoffPackage) error {
	if h == nil || h.ID == "" {
		return ErrInvalidInput
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	res, err := createIndexedDocScript.Run(ctx, s.client,
		[]string{s.handoffKey(h.ID), s.allHandoffsKey()},
		data, scoreOf(h.CreatedAt), h.ID, s.taskKey(h.TaskCode)).Int()
	if err != nil {
		return fmt.Errorf("redis create handoff: %w", err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrAlreadyExists
	}
	return nil
}

// GetHandoff retrieves a handoff by id.
func (s *RedisStore) GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error) {
	var h types.HandoffPackage
	if err := s.getDoc(ctx, s.handoffKey(id), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListHandoffs returns handoffs matching the filter, oldest first.
func (s *RedisStore) ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*types.HandoffPackage, error) {
	ids, err := s.client.ZRange(ctx, s.allHandoffsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.HandoffPackage, 0)
	for _, id := range ids {
		h, err := s.GetHandoff(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matchesHandoffFilter(h, filter) {
			out = append(out, h)
		}
	}
	sortHandoffs(out)
	return paginate(out, 0, filter.Limit), nil
}

// =============================================================================
// Agent
// =============================================================================

// agentFields 是 Agent 哈希的字段顺序。doc 保存完整 JSON，计数类字段单独存放，
// 以便脚本原子地增减；读取时计数字段覆盖 doc 中的旧值
var agentFields = []string{"doc", "version", "current_load", "max_concurrent_tasks", "reputation_score", "updated_at"}

func agentFieldValues(a *types.AgentProfile) ([]any, error) {
	doc, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}
	return []any{
		string(doc),
		a.Version,
		a.CurrentLoad,
		a.MaxConcurrentTasks,
		strconv.FormatFloat(a.ReputationScore, 'f', -1, 64),
		a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeAgentFields(values []any) (*types.AgentProfile, error) {
	if len(values) != len(agentFields) {
		return nil, fmt.Errorf("agent hash: expected %d fields, got %d", len(agentFields), len(values))
	}
	doc, ok := values[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	var a types.AgentProfile
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	field := func(i int) string {
		v, _ := values[i].(string)
		return v
	}
	var err error
	if a.Version, err = strconv.ParseInt(field(1), 10, 64); err != nil {
		return nil, fmt.Errorf("agent %s version: %w", a.Name, err)
	}
	if a.CurrentLoad, err = strconv.Atoi(field(2)); err != nil {
		return nil, fmt.Errorf("agent %s current_load: %w", a.Name, err)
	}
	if a.MaxConcurrentTasks, err = strconv.Atoi(field(3)); err != nil {
		return nil, fmt.Errorf("agent %s max_concurrent_tasks: %w", a.Name, err)
	}
	if a.ReputationScore, err = strconv.ParseFloat(field(4), 64); err != nil {
		return nil, fmt.Errorf("agent %s reputation_score: %w", a.Name, err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, field(5)); err != nil {
		return nil, fmt.Errorf("agent %s updated_at: %w", a.Name, err)
	}
	return &a, nil
}

// CreateAgent registers a new agent profile.
func (s *RedisStore) CreateAgent(ctx context.Context, agent *types.AgentProfile) error {
	if agent == nil || agent.Name == "" {
		return ErrInvalidInput
	}
	values, err := agentFieldValues(agent)
	if err != nil {
		return err
	}
	res, err := createAgentScript.Run(ctx, s.client,
		[]string{s.agentKey(agent.Name), s.allAgentsKey()},
		append(values, agent.Name)...).Int()
	if err != nil {
		return fmt.Errorf("redis create agent: %w", err)
	}
	if res == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetAgent retrieves an agent by name.
func (s *RedisStore) GetAgent(ctx context.Context, name string) (*types.AgentProfile, error) {
	values, err := s.client.HMGet(ctx, s.agentKey(name), agentFields...).Result()
	if err != nil {
		return nil, err
	}
	return decodeAgentFields(values)
}

// ListAgents returns agents matching the filter ordered by name.
func (s *RedisStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.AgentProfile, error) {
	names, err := s.client.ZRange(ctx, s.allAgentsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.AgentProfile, 0, len(names))
	for _, name := range names {
		a, err := s.GetAgent(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if matchesAgentFilter(a, filter) {
			out = append(out, a)
		}
	}
	sortAgentsByName(out)
	return paginate(out, 0, filter.Limit), nil
}

// UpdateAgent performs a version-checked read-modify-write, retrying when
// another writer got in between. Load and reputation changes go through
// AdjustAgentLoad and AdjustAgentReputation, which never conflict.
func (s *RedisStore) UpdateAgent(ctx context.Context, name string, fn func(*types.AgentProfile) error) (*types.AgentProfile, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		current, err := s.GetAgent(ctx, name)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Name = current.Name
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()

		values, err := agentFieldValues(next)
		if err != nil {
			return nil, err
		}
		res, err := casAgentScript.Run(ctx, s.client, []string{s.agentKey(name)},
			append([]any{current.Version}, values...)...).Int()
		if err != nil {
			return nil, fmt.Errorf("redis update agent: %w", err)
		}
		switch res {
		case 1:
			return next, nil
		case -1:
			return nil, ErrNotFound
		}
		s.logger.Debug("agent update lost race, retrying",
			zap.String("agent", name),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, ErrConflict
}

// runAgentScript 执行单个 Agent 的原子调整脚本，返回调整后的档案
func (s *RedisStore) runAgentScript(ctx context.Context, script *redis.Script, name string, args ...any) (*types.AgentProfile, error) {
	res, err := script.Run(ctx, s.client, []string{s.agentKey(name)}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis adjust agent: %w", err)
	}
	switch v := res.(type) {
	case []any:
		return decodeAgentFields(v)
	case int64:
		switch v {
		case -1:
			return nil, ErrNotFound
		case -3:
			return nil, ErrOutOfBounds
		}
		return nil, fmt.Errorf("redis adjust agent: unexpected result %d", v)
	default:
		return nil, fmt.Errorf("redis adjust agent: unexpected reply %T", res)
	}
}

// AdjustAgentLoad changes the load within [0, max] in a single script.
func (s *RedisStore) AdjustAgentLoad(ctx context.Context, name string, delta int, absolute *int) (*types.AgentProfile, error) {
	abs := ""
	if absolute != nil {
		abs = strconv.Itoa(*absolute)
	}
	return s.runAgentScript(ctx, adjustAgentLoadScript, name,
		delta, abs, time.Now().UTC().Format(time.RFC3339Nano))
}

// AdjustAgentReputation adds delta and clamps to [0, 1] in a single script.
func (s *RedisStore) AdjustAgentReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	return s.runAgentScript(ctx, adjustAgentReputationScript, name,
		strconv.FormatFloat(delta, 'f', -1, 64), time.Now().UTC().Format(time.RFC3339Nano))
}

var errNotStale = errors.New("agent is not stale")

// MarkAgentUnresponsive flips a stale active or idle agent. The staleness
// check runs inside the versioned update so a fresh heartbeat wins.
func (s *RedisStore) MarkAgentUnresponsive(ctx context.Context, name string, staleBefore time.Time) (bool, error) {
	_, err := s.UpdateAgent(ctx, name, func(a *types.AgentProfile) error {
		if !isStale(a, staleBefore) {
			return errNotStale
		}
		a.Status = types.AgentStatusUnresponsive
		return nil
	})
	if errors.Is(err, errNotStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
