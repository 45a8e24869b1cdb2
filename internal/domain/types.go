package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AgentType string

const (
	AgentTypeScheduling      AgentType = "scheduling"
	AgentTypeCommunication   AgentType = "communication"
	AgentTypeSearch          AgentType = "search"
	AgentTypeAnalytics       AgentType = "analytics"
	AgentTypeSecurity        AgentType = "security"
	AgentTypeMaintenance     AgentType = "maintenance"
	AgentTypePersonalization AgentType = "personalization"
)

// AgentTypes lists every recognized agent type in a stable order.
var AgentTypes = []AgentType{
	AgentTypeScheduling,
	AgentTypeCommunication,
	AgentTypeSearch,
	AgentTypeAnalytics,
	AgentTypeSecurity,
	AgentTypeMaintenance,
	AgentTypePersonalization,
}

func (t AgentType) Valid() bool {
	for _, v := range AgentTypes {
		if v == t {
			return true
		}
	}
	return false
}

type TaskType string

const (
	TaskTypeProcess     TaskType = "process"
	TaskTypeAnalyze     TaskType = "analyze"
	TaskTypeMonitor     TaskType = "monitor"
	TaskTypeOptimize    TaskType = "optimize"
	TaskTypeAlert       TaskType = "alert"
	TaskTypeSchedule    TaskType = "schedule"
	TaskTypeCommunicate TaskType = "communicate"
)

var TaskTypes = []TaskType{
	TaskTypeProcess,
	TaskTypeAnalyze,
	TaskTypeMonitor,
	TaskTypeOptimize,
	TaskTypeAlert,
	TaskTypeSchedule,
	TaskTypeCommunicate,
}

func (t TaskType) Valid() bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Priority orders work and messages. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == needle {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return json.Marshal("")
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	if raw == "" {
		*p = 0
		return nil
	}
	parsed, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	// TaskStatusExpired marks a task dropped before any attempt because its
	// expiry passed while it waited in the queue.
	TaskStatusExpired TaskStatus = "expired"
)

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusExpired:
		return true
	default:
		return false
	}
}

type TaskContext struct {
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type ExecutionMetrics struct {
	DurationMS  int64   `json:"duration_ms"`
	MemoryBytes uint64  `json:"memory_bytes,omitempty"`
	CPUPercent  float64 `json:"cpu_percent,omitempty"`
}

type TaskResult struct {
	Success bool             `json:"success"`
	Data    json.RawMessage  `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Metrics ExecutionMetrics `json:"metrics"`
}

type Task struct {
	ID              string          `json:"id"`
	AgentType       AgentType       `json:"agent_type"`
	TaskType        TaskType        `json:"task_type"`
	Priority        Priority        `json:"priority"`
	AssignedAgentID string          `json:"assigned_agent_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Context         TaskContext     `json:"context"`
	Status          TaskStatus      `json:"status"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	LastError       string          `json:"last_error,omitempty"`
	Result          *TaskResult     `json:"result,omitempty"`
	ScheduledFor    time.Time       `json:"scheduled_for"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Version         int64           `json:"version"`
}

// Expired reports whether the task's expiry has passed at now.
func (t Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

type TaskFilter struct {
	SubmittedBy string
	AgentType   AgentType
	Status      TaskStatus
	Limit       int
	Offset      int
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	RefID     string          `json:"ref_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
