package domain

import (
	"time"
)

type AgentStatus string

const (
	AgentStatusInitializing AgentStatus = "initializing"
	AgentStatusActive       AgentStatus = "active"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusError        AgentStatus = "error"
	AgentStatusMaintenance  AgentStatus = "maintenance"
	AgentStatusShutdown     AgentStatus = "shutdown"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

type DeliveryPreference string

const (
	DeliveryImmediate DeliveryPreference = "immediate"
	DeliveryQueued    DeliveryPreference = "queued"
)

type PrivacyLevel string

const (
	PrivacyStandard PrivacyLevel = "standard"
	PrivacyStrict   PrivacyLevel = "strict"
)

type AgentHealth struct {
	Status        HealthStatus `json:"status"`
	LastCheck     *time.Time   `json:"last_check,omitempty"`
	ErrorCount    int64        `json:"error_count"`
	LastError     string       `json:"last_error,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

type AgentPerformance struct {
	TasksProcessed   int64   `json:"tasks_processed"`
	TasksCompleted   int64   `json:"tasks_completed"`
	TasksFailed      int64   `json:"tasks_failed"`
	AvgProcessingMS  float64 `json:"avg_processing_ms"`
	SuccessRate      float64 `json:"success_rate"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
}

type AgentResources struct {
	MemoryCurrent     uint64  `json:"memory_current"`
	MemoryPeak        uint64  `json:"memory_peak"`
	MemoryAverage     float64 `json:"memory_average"`
	CPUCurrent        float64 `json:"cpu_current"`
	CPUPeak           float64 `json:"cpu_peak"`
	CPUAverage        float64 `json:"cpu_average"`
	Samples           int64   `json:"samples"`
	ActiveConnections int     `json:"active_connections"`
	QueueSize         int     `json:"queue_size"`
}

type AgentConfig struct {
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	TimeoutMS          int64   `json:"timeout_ms"`
	RetryAttempts      int     `json:"retry_attempts"`
	PriorityWeight     float64 `json:"priority_weight"`
	Enabled            bool    `json:"enabled"`
}

func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type Agent struct {
	ID                 string             `json:"id"`
	Type               AgentType          `json:"type"`
	Name               string             `json:"name"`
	Capabilities       []string           `json:"capabilities"`
	Status             AgentStatus        `json:"status"`
	Health             AgentHealth        `json:"health"`
	Performance        AgentPerformance   `json:"performance"`
	Resources          AgentResources     `json:"resources"`
	Config             AgentConfig        `json:"config"`
	DeliveryPreference DeliveryPreference `json:"delivery_preference"`
	PrivacyLevel       PrivacyLevel       `json:"privacy_level"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Version            int64              `json:"version"`
}

type AgentFilter struct {
	Type        AgentType
	Statuses    []AgentStatus
	EnabledOnly bool
}

// ResourceSample is one point-in-time reading of memory and CPU use.
type ResourceSample struct {
	MemoryBytes uint64  `json:"memory_bytes"`
	CPUPercent  float64 `json:"cpu_percent"`
}

// RecomputeSuccessRate is the only derived field rebuilt from counters.
func (a *Agent) RecomputeSuccessRate() {
	p := &a.Performance
	if p.TasksProcessed <= 0 {
		p.SuccessRate = 100
		return
	}
	p.SuccessRate = float64(p.TasksCompleted) / float64(p.TasksProcessed) * 100
}

// RecordDispatch counts a task as processed before its outcome is known.
func (a *Agent) RecordDispatch() {
	a.Performance.TasksProcessed++
	a.Resources.QueueSize++
	a.RecomputeSuccessRate()
}

func (a *Agent) RecordCompletion(duration time.Duration, now time.Time) {
	p := &a.Performance
	p.TasksCompleted++
	p.AvgProcessingMS = RollingAverage(p.AvgProcessingMS, float64(duration.Milliseconds()), p.TasksCompleted)
	if elapsed := now.Sub(a.CreatedAt).Minutes(); elapsed > 0 {
		p.ThroughputPerMin = float64(p.TasksCompleted) / elapsed
	}
	a.Release()
	a.RecomputeSuccessRate()
}

func (a *Agent) RecordFailure(reason string) {
	a.Performance.TasksFailed++
	a.Health.ErrorCount++
	a.Health.LastError = reason
	a.Release()
	a.RecomputeSuccessRate()
}

// Release returns one in-flight slot without recording an outcome.
func (a *Agent) Release() {
	if a.Resources.QueueSize > 0 {
		a.Resources.QueueSize--
	}
}

// FoldResourceSample updates current, peak and running average readings.
func (a *Agent) FoldResourceSample(s ResourceSample) {
	r := &a.Resources
	r.Samples++
	r.MemoryCurrent = s.MemoryBytes
	r.CPUCurrent = s.CPUPercent
	if s.MemoryBytes > r.MemoryPeak {
		r.MemoryPeak = s.MemoryBytes
	}
	if s.CPUPercent > r.CPUPeak {
		r.CPUPeak = s.CPUPercent
	}
	r.MemoryAverage = RollingAverage(r.MemoryAverage, float64(s.MemoryBytes), r.Samples)
	r.CPUAverage = RollingAverage(r.CPUAverage, s.CPUPercent, r.Samples)
}

// HasCapacity reports whether the agent can take another task.
func (a Agent) HasCapacity() bool {
	if a.Config.MaxConcurrentTasks <= 0 {
		return true
	}
	return a.Resources.QueueSize < a.Config.MaxConcurrentTasks
}

// RollingAverage folds sample into avg where n counts samples including this one.
func RollingAverage(avg, sample float64, n int64) float64 {
	if n <= 1 {
		return sample
	}
	return ((avg * float64(n-1)) + sample) / float64(n)
}
