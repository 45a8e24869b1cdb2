package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

// Builtin returns the demo operation table for agentType. Every type can
// process; the rest depends on what the type is for.
func Builtin(agentType domain.AgentType) map[domain.TaskType]Operation {
	ops := map[domain.TaskType]Operation{
		domain.TaskTypeProcess: echo,
	}
	switch agentType {
	case domain.AgentTypeAnalytics, domain.AgentTypeSearch:
		ops[domain.TaskTypeAnalyze] = analyze
	case domain.AgentTypeMaintenance, domain.AgentTypeSecurity:
		ops[domain.TaskTypeMonitor] = monitor
		ops[domain.TaskTypeAlert] = acknowledge
	case domain.AgentTypeCommunication:
		ops[domain.TaskTypeCommunicate] = acknowledge
	case domain.AgentTypeScheduling:
		ops[domain.TaskTypeSchedule] = acknowledge
	case domain.AgentTypePersonalization:
		ops[domain.TaskTypeOptimize] = analyze
	}
	return ops
}

func echo(ctx context.Context, inv registry.Invocation) (json.RawMessage, error) {
	return mustJSON(map[string]any{
		"task_id": inv.TaskID,
		"echo":    rawOrNull(inv.Payload),
	}), ctx.Err()
}

// analyze describes the shape of the payload.
func analyze(ctx context.Context, inv registry.Invocation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload := bytes.TrimSpace(inv.Payload)
	summary := map[string]any{
		"bytes": len(payload),
		"kind":  "empty",
	}
	if len(payload) == 0 {
		return mustJSON(summary), nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("payload is not JSON: %w", err)
	}
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		summary["kind"] = "object"
		summary["keys"] = keys
	case []any:
		summary["kind"] = "array"
		summary["length"] = len(x)
	case string:
		summary["kind"] = "string"
		summary["length"] = len([]rune(x))
	case float64:
		summary["kind"] = "number"
	case bool:
		summary["kind"] = "bool"
	default:
		summary["kind"] = "null"
	}
	return mustJSON(summary), nil
}

func monitor(ctx context.Context, inv registry.Invocation) (json.RawMessage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return mustJSON(map[string]any{
		"status":     "ok",
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"goroutines": runtime.NumGoroutine(),
		"heap_alloc": ms.HeapAlloc,
		"source":     inv.Context.Source,
	}), ctx.Err()
}

func acknowledge(ctx context.Context, inv registry.Invocation) (json.RawMessage, error) {
	return mustJSON(map[string]any{
		"acknowledged": true,
		"task_type":    inv.TaskType,
	}), ctx.Err()
}

func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
