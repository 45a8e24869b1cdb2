package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"switchboard/internal/domain"
)

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Agent type", "Type", "Priority", "Status", "Tries", "Agent", "Updated"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.AgentType)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.TaskType)))
		table.SetCell(row, 3, tview.NewTableCell(t.Priority.String()))
		table.SetCell(row, 4, tview.NewTableCell(string(t.Status)).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts)))
		table.SetCell(row, 6, tview.NewTableCell(t.AssignedAgentID))
		table.SetCell(row, 7, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed, domain.TaskStatusExpired:
		return tcell.ColorRed
	case domain.TaskStatusProcessing:
		return tcell.ColorYellow
	case domain.TaskStatusCancelled:
		return tcell.ColorGray
	default:
		return tview.Styles.PrimaryTextColor
	}
}

func renderAgents(agents []domain.Agent) string {
	if len(agents) == 0 {
		return "No agents registered"
	}
	sorted := append([]domain.Agent(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].ID < sorted[j].ID
	})
	var b strings.Builder
	for _, a := range sorted {
		fmt.Fprintf(&b, "%-24s %-15s %-12s [%s]%-8s[-] ok=%5.1f%% queue=%d/%d done=%d\n",
			trimLine(a.ID, 24),
			a.Type,
			a.Status,
			healthColor(a.Health.Status),
			a.Health.Status,
			a.Performance.SuccessRate,
			a.Resources.QueueSize,
			a.Config.MaxConcurrentTasks,
			a.Performance.TasksCompleted,
		)
		if a.Health.LastError != "" {
			b.WriteString("  last error: " + trimLine(a.Health.LastError, 100) + "\n")
		}
	}
	return b.String()
}

func healthColor(h domain.HealthStatus) string {
	switch h {
	case domain.HealthHealthy:
		return "green"
	case domain.HealthWarning:
		return "yellow"
	case domain.HealthCritical:
		return "red"
	default:
		return "gray"
	}
}

func renderMetrics(m metricsView) string {
	var b strings.Builder
	c := m.Orchestrator.Counters
	fmt.Fprintf(&b, "tasks  submitted=%d processed=%d completed=%d failed=%d retried=%d expired=%d cancelled=%d\n",
		c.TasksSubmitted, c.TasksProcessed, c.TasksCompleted, c.TasksFailed, c.TasksRetried, c.TasksExpired, c.TasksCancelled)
	fmt.Fprintf(&b, "       in_flight=%d avg_latency=%.1fms\n", m.Orchestrator.InFlight, c.AvgLatencyMS)

	r := m.Router
	fmt.Fprintf(&b, "router routed=%d realtime=%d queued=%d failed=%d groups=%d retries=%d redelivered=%d avg=%.2fms\n",
		r.TotalRouted, r.Realtime, r.Queued, r.Failed, r.GroupRoutes, r.Retries, r.Redelivered, r.AvgLatencyMS)

	if len(m.Queues) > 0 {
		types := make([]string, 0, len(m.Queues))
		for t := range m.Queues {
			types = append(types, string(t))
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", t, m.Queues[domain.AgentType(t)]))
		}
		b.WriteString("queues " + strings.Join(parts, " ") + "\n")
	}
	if h := m.Orchestrator.Host; h != nil {
		fmt.Fprintf(&b, "host   cpu=%.1f%% mem=%.1f%% goroutines=%d\n", h.CPUPercent, h.MemoryUsedPercent, h.Goroutines)
	}
	if m.Orchestrator.GeneratedAt != "" {
		b.WriteString("as of  " + m.Orchestrator.GeneratedAt + "\n")
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		)
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderTaskResult(t domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s  %s/%s  status=%s\n", shortID(t.ID), t.AgentType, t.TaskType, t.Status)
	if t.LastError != "" {
		b.WriteString("last error: " + trimLine(t.LastError, 120) + "\n")
	}
	if t.Result != nil {
		if len(t.Result.Data) > 0 {
			b.WriteString("result: " + trimLine(string(t.Result.Data), 200) + "\n")
		}
		if t.Result.Error != "" {
			b.WriteString("error: " + trimLine(t.Result.Error, 200) + "\n")
		}
		fmt.Fprintf(&b, "took %dms\n", t.Result.Metrics.DurationMS)
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}
	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

// parsePrompt reads "<agent_type> <task_type> [json payload]".
func parsePrompt(input string) (agentType, taskType string, payload json.RawMessage, err error) {
	fields := strings.Fields(input)
	if len(fields) < 2 {
		return "", "", nil, fmt.Errorf("usage: <agent_type> <task_type> [json payload]")
	}
	agentType, taskType = fields[0], fields[1]
	rest := strings.TrimSpace(input)
	rest = strings.TrimSpace(strings.TrimPrefix(rest, agentType))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, taskType))
	if rest == "" {
		rest = "{}"
	}
	if !json.Valid([]byte(rest)) {
		b, _ := json.Marshal(map[string]string{"input": rest})
		return agentType, taskType, b, nil
	}
	return agentType, taskType, json.RawMessage(rest), nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func renderMessages(items []domain.QueuedMessage) string {
	if len(items) == 0 {
		return "No messages"
	}
	var b strings.Builder
	for _, m := range items {
		fmt.Fprintf(&b, "[%s] %s -> %s %s/%s %s retries=%d/%d\n",
			m.CreatedAt.Local().Format("15:04:05"),
			m.FromAgent,
			m.ToAgent,
			m.Status,
			m.DeliveryMethod,
			m.Type,
			m.RetryCount,
			m.RetryLimit,
		)
		if text := strings.TrimSpace(m.Content.Text); text != "" {
			b.WriteString("  " + trimLine(strings.ReplaceAll(text, "\n", " "), 120) + "\n")
		}
		if m.LastError != "" {
			b.WriteString("  error: " + trimLine(m.LastError, 120) + "\n")
		}
	}
	return b.String()
}
