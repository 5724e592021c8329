package history

import "time"

// NodeTransition 节点状态变更审计记录
type NodeTransition struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	WorkflowID string    `gorm:"size:64;not null;index:idx_workflow_node" json:"workflow_id"`
	NodeName   string    `gorm:"size:255;not null;index:idx_workflow_node" json:"node_name"`
	Class      string    `gorm:"size:128;not null;index:idx_class" json:"class"`
	Queue      string    `gorm:"size:128" json:"queue"`
	State      string    `gorm:"size:16;not null;index:idx_state" json:"state"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	At         time.Time `gorm:"not null;index" json:"at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 指定表名
func (NodeTransition) TableName() string {
	return "dagflow_node_transitions"
}

// ExecutionStatus 单个节点的执行状态
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// NodeExecution 由审计记录折叠出的一次节点执行
type NodeExecution struct {
	NodeName   string          `json:"node_name"`
	Class      string          `json:"class"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Duration   time.Duration   `json:"duration"`
	Status     ExecutionStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
}
