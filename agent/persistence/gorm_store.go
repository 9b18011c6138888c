package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/janreges/axon-mcp-sub003/internal/database"
	"github.com/janreges/axon-mcp-sub003/types"
)

// GormStore is a SQL implementation of Store on top of GORM.
// Every atomic unit runs inside one database transaction; task writes are
// conditioned on the version column.
type GormStore struct {
	pool       *database.PoolManager
	maxRetries int
	logger     *zap.Logger
}

// NewGormStore creates a SQL store over an initialized connection pool.
func NewGormStore(pool *database.PoolManager, config StoreConfig, logger *zap.Logger) (*GormStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AutoMigrate {
		if err := pool.DB().AutoMigrate(allModels()...); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	retries := config.MaxUpdateRetries
	if retries <= 0 {
		retries = DefaultStoreConfig().MaxUpdateRetries
	}
	return &GormStore{
		pool:       pool,
		maxRetries: retries,
		logger:     logger.With(zap.String("component", "gorm_store")),
	}, nil
}

// Close closes the underlying pool
func (s *GormStore) Close() error {
	return s.pool.Close()
}

// Ping checks if the database is reachable
func (s *GormStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *GormStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func exists(tx *gorm.DB, model any, where string, args ...any) (bool, error) {
	var n int64
	if err := tx.Model(model).Where(where, args...).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// =============================================================================
// 任务
// =============================================================================

// CreateTask inserts a new task.
func (s *GormStore) CreateTask(ctx context.Context, task *types.Task) error {
	if task == nil || task.Code == "" {
		return ErrInvalidInput
	}
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		dup, err := exists(tx, &taskModel{}, "code = ?", task.Code)
		if err != nil {
			return err
		}
		if dup {
			return ErrAlreadyExists
		}
		if err := tx.Create(toTaskModel(task)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyExists
			}
			return err
		}
		return nil
	})
}

// GetTask retrieves a task by code
func (s *GormStore) GetTask(ctx context.Context, code string) (*types.Task, error) {
	var m taskModel
	if err := s.db(ctx).Where("code = ?", code).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toTask()
}

// ListTasks retrieves tasks matching the filter, oldest first.
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	q := s.db(ctx).Model(&taskModel{})
	if len(filter.States) > 0 {
		q = q.Where("state IN ?", stateTokens(filter.States))
	}
	if filter.Owner != "" {
		q = q.Where("owner_agent_name = ?", filter.Owner)
	}
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.ParentCode != "" {
		q = q.Where("parent_code = ?", filter.ParentCode)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []taskModel
	if err := q.Order("created_at ASC, code ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toTasks(rows)
}

// CandidateTasks filters state, priority and exclusions in SQL; capability
// intersection is checked in Go because capabilities are stored as JSON text.
func (s *GormStore) CandidateTasks(ctx context.Context, query CandidateQuery) ([]*types.Task, error) {
	q := s.db(ctx).Model(&taskModel{})
	if len(query.States) > 0 {
		q = q.Where("state IN ?", stateTokens(query.States))
	}
	if query.MinPriority != nil {
		q = q.Where("priority >= ?", *query.MinPriority)
	}
	if len(query.ExcludeCodes) > 0 {
		q = q.Where("code NOT IN ?", query.ExcludeCodes)
	}
	var rows []taskModel
	if err := q.Order("priority DESC, failure_count ASC, created_at ASC, code ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	tasks, err := toTasks(rows)
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

// ApplyTaskUpdate writes the update in one transaction. Any failed check
// rolls back every write of the unit.
func (s *GormStore) ApplyTaskUpdate(ctx context.Context, u TaskUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	return s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		if u.AcceptHandoff != nil {
			var h handoffModel
			if err := tx.Where("id = ?", u.AcceptHandoff.HandoffID).First(&h).Error; err != nil {
				return notFound(err)
			}
			if h.AcceptedBy != "" {
				return ErrAlreadyExists
			}
		}

		m := toTaskModel(u.Task)
		res := tx.Model(&taskModel{}).
			Where("code = ? AND version = ?", u.Task.Code, u.ExpectedVersion).
			Updates(m.updateColumns())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			found, err := exists(tx, &taskModel{}, "code = ?", u.Task.Code)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			return ErrConflict
		}

		if u.CompletedStep != nil {
			dup, err := exists(tx, &completedStepModel{}, "task_code = ? AND step_id = ?",
				u.CompletedStep.TaskCode, u.CompletedStep.StepID)
			if err != nil {
				return err
			}
			if dup {
				return ErrAlreadyExists
			}
			if err := tx.Create(toStepModel(u.CompletedStep)).Error; err != nil {
				return err
			}
		}

		if u.NewHandoff != nil {
			dup, err := exists(tx, &handoffModel{}, "id = ?", u.NewHandoff.ID)
			if err != nil {
				return err
			}
			if dup {
				return ErrAlreadyExists
			}
			if err := tx.Create(toHandoffModel(u.NewHandoff)).Error; err != nil {
				return err
			}
		}

		if u.AcceptHandoff != nil {
			res := tx.Model(&handoffModel{}).
				Where("id = ? AND accepted_by = ?", u.AcceptHandoff.HandoffID, "").
				Updates(map[string]any{
					"accepted_at": u.AcceptHandoff.AcceptedAt,
					"accepted_by": u.AcceptHandoff.AgentName,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrAlreadyExists
			}
		}

		for _, ev := range u.Events {
			if err := tx.Create(toEventModel(ev)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTaskEvents returns the audit trail of a task in write order.
func (s *GormStore) ListTaskEvents(ctx context.Context, code string) ([]*types.TaskEvent, error) {
	var rows []taskEventModel
	if err := s.db(ctx).Where("task_code = ?", code).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.TaskEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEvent())
	}
	return out, nil
}

// =============================================================================
// 工作流
// =============================================================================

// CreateWorkflow stores a new definition. Definitions are never replaced.
func (s *GormStore) CreateWorkflow(ctx context.Context, def *types.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return ErrInvalidInput
	}
	m, err := toWorkflowModel(def)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		dup, err := exists(tx, &workflowModel{}, "id = ?", def.ID)
		if err != nil {
			return err
		}
		if dup {
			return ErrAlreadyExists
		}
		return tx.Create(m).Error
	})
}

// GetWorkflow retrieves a definition by id.
func (s *GormStore) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	var m workflowModel
	if err := s.db(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toDefinition()
}

// ListCompletedSteps returns the completed steps of a task by completion time.
func (s *GormStore) ListCompletedSteps(ctx context.Context, taskCode string) ([]*types.CompletedStep, error) {
	var rows []completedStepModel
	if err := s.db(ctx).Where("task_code = ?", taskCode).Order("completed_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.CompletedStep, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toStep())
	}
	return out, nil
}

// =============================================================================
// 交接包
// =============================================================================

// CreateHandoff stores a standalone handoff package.
func (s *GormStore) CreateHandoff(ctx context.Context, h *types.HandoffPackage) error {
	if h == nil || h.ID == "" {
		return ErrInvalidInput
	}
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		found, err := exists(tx, &taskModel{}, "code = ?", h.TaskCode)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		dup, err := exists(tx, &handoffModel{}, "id = ?", h.ID)
		if err != nil {
			return err
		}
		if dup {
			return ErrAlreadyExists
		}
		return tx.Create(toHandoffModel(h)).Error
	})
}

// GetHandoff retrieves a handoff by id.
func (s *GormStore) GetHandoff(ctx context.Context, id string) (*types.HandoffPackage, error) {
	var m handoffModel
	if err := s.db(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toHandoff()
}

// ListHandoffs returns handoffs matching the filter, oldest first.
func (s *GormStore) ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*types.HandoffPackage, error) {
	q := s.db(ctx).Model(&handoffModel{})
	if filter.TaskCode != "" {
		q = q.Where("task_code = ?", filter.TaskCode)
	}
	if filter.ToCapability != "" {
		q = q.Where("to_capability = ?", filter.ToCapability)
	}
	if filter.PendingOnly {
		q = q.Where("accepted_by = ?", "")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var rows []handoffModel
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.HandoffPackage, 0, len(rows))
	for i := range rows {
		h, err := rows[i].toHandoff()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// =============================================================================
// Agent
// =============================================================================

// CreateAgent registers a new agent profile.
func (s *GormStore) CreateAgent(ctx context.Context, agent *types.AgentProfile) error {
	if agent == nil || agent.Name == "" {
		return ErrInvalidInput
	}
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		dup, err := exists(tx, &agentModel{}, "name = ?", agent.Name)
		if err != nil {
			return err
		}
		if dup {
			return ErrAlreadyExists
		}
		if err := tx.Create(toAgentModel(agent)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyExists
			}
			return err
		}
		return nil
	})
}

// GetAgent retrieves an agent by name.
func (s *GormStore) GetAgent(ctx context.Context, name string) (*types.AgentProfile, error) {
	return s.getAgent(s.db(ctx), name)
}

func (s *GormStore) getAgent(db *gorm.DB, name string) (*types.AgentProfile, error) {
	var m agentModel
	if err := db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return m.toProfile()
}

// ListAgents returns agents matching the filter ordered by name.
func (s *GormStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*types.AgentProfile, error) {
	q := s.db(ctx).Model(&agentModel{})
	if len(filter.Statuses) > 0 {
		tokens := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			tokens[i] = string(st)
		}
		q = q.Where("status IN ?", tokens)
	}
	var rows []agentModel
	if err := q.Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.AgentProfile, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toProfile()
		if err != nil {
			return nil, err
		}
		if matchesAgentFilter(a, filter) {
			out = append(out, a)
		}
	}
	return paginate(out, 0, filter.Limit), nil
}

// UpdateAgent performs a version-checked read-modify-write, retrying when
// another writer got in between.
func (s *GormStore) UpdateAgent(ctx context.Context, name string, fn func(*types.AgentProfile) error) (*types.AgentProfile, error) {
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

		m := toAgentModel(next)
		res := s.db(ctx).Model(&agentModel{}).
			Where("name = ? AND version = ?", name, current.Version).
			Updates(map[string]any{
				"description":          m.Description,
				"capabilities":         m.Capabilities,
				"specializations":      m.Specializations,
				"max_concurrent_tasks": m.MaxConcurrentTasks,
				"current_load":         m.CurrentLoad,
				"status":               m.Status,
				"last_heartbeat":       m.LastHeartbeat,
				"reputation_score":     m.ReputationScore,
				"preferences":          m.Preferences,
				"version":              m.Version,
				"updated_at":           m.UpdatedAt,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		s.logger.Debug("agent update lost race, retrying",
			zap.String("agent", name),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, ErrConflict
}

// AdjustAgentLoad is a single conditional UPDATE; the bound check lives in
// the WHERE clause so concurrent adjustments cannot overshoot.
func (s *GormStore) AdjustAgentLoad(ctx context.Context, name string, delta int, absolute *int) (*types.AgentProfile, error) {
	now := time.Now().UTC()
	q := s.db(ctx).Model(&agentModel{})
	var res *gorm.DB
	if absolute != nil {
		if *absolute < 0 {
			return nil, ErrOutOfBounds
		}
		res = q.Where("name = ? AND max_concurrent_tasks >= ?", name, *absolute).
			Updates(map[string]any{
				"current_load": *absolute,
				"version":      gorm.Expr("version + 1"),
				"updated_at":   now,
			})
	} else {
		res = q.Where("name = ? AND current_load + ? >= 0 AND current_load + ? <= max_concurrent_tasks", name, delta, delta).
			Updates(map[string]any{
				"current_load": gorm.Expr("current_load + ?", delta),
				"version":      gorm.Expr("version + 1"),
				"updated_at":   now,
			})
	}
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetAgent(ctx, name); err != nil {
			return nil, err
		}
		return nil, ErrOutOfBounds
	}
	return s.GetAgent(ctx, name)
}

// AdjustAgentReputation clamps inside the UPDATE so concurrent deltas are
// serialized by the row lock.
func (s *GormStore) AdjustAgentReputation(ctx context.Context, name string, delta float64) (*types.AgentProfile, error) {
	res := s.db(ctx).Model(&agentModel{}).
		Where("name = ?", name).
		Updates(map[string]any{
			"reputation_score": gorm.Expr(
				"CASE WHEN reputation_score + ? > 1 THEN 1 WHEN reputation_score + ? < 0 THEN 0 ELSE reputation_score + ? END",
				delta, delta, delta),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.GetAgent(ctx, name)
}

// MarkAgentUnresponsive flips a stale active or idle agent. The staleness
// condition is re-checked by the UPDATE so a fresh heartbeat wins.
func (s *GormStore) MarkAgentUnresponsive(ctx context.Context, name string, staleBefore time.Time) (bool, error) {
	res := s.db(ctx).Model(&agentModel{}).
		Where("name = ? AND status IN ? AND last_heartbeat < ?", name,
			[]string{string(types.AgentStatusActive), string(types.AgentStatusIdle)}, staleBefore).
		Updates(map[string]any{
			"status":     string(types.AgentStatusUnresponsive),
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetAgent(ctx, name); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func stateTokens(states []types.TaskState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func toTasks(rows []taskModel) ([]*types.Task, error) {
	out := make([]*types.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
