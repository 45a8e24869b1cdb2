package resource

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"switchboard/internal/domain"
)

type HostStats struct {
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	MemoryTotal       uint64    `json:"memory_total"`
	MemoryUsed        uint64    `json:"memory_used"`
	Goroutines        int       `json:"goroutines"`
	CollectedAt       time.Time `json:"collected_at"`
}

// Sampler reads resource usage of the current process and its host.
type Sampler struct {
	proc *process.Process
}

func NewSampler() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open self process: %w", err)
	}
	return &Sampler{proc: p}, nil
}

// Sample returns resident memory and CPU share of this process.
func (s *Sampler) Sample(ctx context.Context) (domain.ResourceSample, error) {
	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("process memory: %w", err)
	}
	cpuPercent, err := s.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return domain.ResourceSample{}, fmt.Errorf("process cpu: %w", err)
	}
	return domain.ResourceSample{
		MemoryBytes: memInfo.RSS,
		CPUPercent:  cpuPercent,
	}, nil
}

// Host collects machine-wide usage. CPU is measured since the previous call.
func (s *Sampler) Host(ctx context.Context) (HostStats, error) {
	stats := HostStats{
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: time.Now().UTC(),
	}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("host memory: %w", err)
	}
	stats.MemoryUsedPercent = vm.UsedPercent
	stats.MemoryTotal = vm.Total
	stats.MemoryUsed = vm.Used
	return stats, nil
}
