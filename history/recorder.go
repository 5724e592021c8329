package history

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/workflow"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 📜 节点审计记录器
// =============================================================================

// Recorder 将节点状态变更写入 SQL 数据库，实现 workflow.TransitionRecorder
type Recorder struct {
	pool        *database.Pool
	maxAttempts int
	logger      *zap.Logger
}

var _ workflow.TransitionRecorder = (*Recorder)(nil)

// NewRecorder 创建记录器并自动迁移表结构
func NewRecorder(pool *database.Pool, logger *zap.Logger) (*Recorder, error) {
	if pool == nil {
		return nil, fmt.Errorf("history: pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := pool.DB().AutoMigrate(&NodeTransition{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	return &Recorder{
		pool:        pool,
		maxAttempts: 3,
		logger:      logger.With(zap.String("component", "history")),
	}, nil
}

// RecordTransition 写入一条状态变更，瞬时错误按重试策略重试
func (r *Recorder) RecordTransition(ctx context.Context, t workflow.Transition) error {
	row := &NodeTransition{
		WorkflowID: t.WorkflowID,
		NodeName:   t.NodeName,
		Class:      t.Class,
		Queue:      t.Queue,
		State:      string(t.State),
		Error:      t.Error,
		At:         t.At,
	}

	return r.pool.TxRetry(ctx, r.maxAttempts, func(tx *gorm.DB) error {
		return tx.Create(row).Error
	})
}

// =============================================================================
// 🔍 查询
// =============================================================================

// ListByWorkflow 按时间顺序返回工作流的全部状态变更
func (r *Recorder) ListByWorkflow(ctx context.Context, workflowID string) ([]NodeTransition, error) {
	var rows []NodeTransition
	err := r.pool.DB().WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: list workflow %s: %w", workflowID, err)
	}
	return rows, nil
}

// ListByState 返回处于指定状态的最近 limit 条记录
func (r *Recorder) ListByState(ctx context.Context, state workflow.NodeState, limit int) ([]NodeTransition, error) {
	var rows []NodeTransition
	q := r.pool.DB().WithContext(ctx).
		Where("state = ?", string(state)).
		Order("at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("history: list state %s: %w", state, err)
	}
	return rows, nil
}

// Executions 将工作流的状态变更折叠为每个节点一条执行记录，按首次入队顺序排列
func (r *Recorder) Executions(ctx context.Context, workflowID string) ([]*NodeExecution, error) {
	rows, err := r.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return Fold(rows), nil
}

// Fold 把按时间排序的状态变更折叠为节点执行记录。重新入队会开始新一轮尝试。
func Fold(rows []NodeTransition) []*NodeExecution {
	var (
		order  []*NodeExecution
		byName = make(map[string]*NodeExecution)
	)
	for _, row := range rows {
		exec, ok := byName[row.NodeName]
		if !ok {
			exec = &NodeExecution{
				NodeName: row.NodeName,
				Class:    row.Class,
				Status:   ExecutionStatusPending,
			}
			byName[row.NodeName] = exec
			order = append(order, exec)
		}

		switch workflow.NodeState(row.State) {
		case workflow.StateEnqueued:
			exec.EnqueuedAt = row.At
			exec.Status = ExecutionStatusPending
		case workflow.StateStarted:
			exec.Attempts++
			exec.StartTime = row.At
			exec.EndTime = time.Time{}
			exec.Duration = 0
			exec.Error = ""
			exec.Status = ExecutionStatusRunning
		case workflow.StateFinished, workflow.StateFailed:
			exec.EndTime = row.At
			if !exec.StartTime.IsZero() {
				exec.Duration = exec.EndTime.Sub(exec.StartTime)
			}
			exec.Status = ExecutionStatusCompleted
			if workflow.NodeState(row.State) == workflow.StateFailed {
				exec.Status = ExecutionStatusFailed
				exec.Error = row.Error
			}
		}
	}
	return order
}

// Purge 删除早于 before 的记录，返回删除条数
func (r *Recorder) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := r.pool.DB().WithContext(ctx).Where("at < ?", before).Delete(&NodeTransition{})
	if res.Error != nil {
		return 0, fmt.Errorf("history: purge: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		r.logger.Info("history purged", zap.Int64("rows", res.RowsAffected), zap.Time("before", before))
	}
	return res.RowsAffected, nil
}
