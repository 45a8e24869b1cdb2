package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/orchestrator"
	"switchboard/internal/router"
)

type client struct {
	baseURL string
	http    *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *router.Failure `json:"error"`
}

type metricsView struct {
	Orchestrator orchestrator.Snapshot    `json:"orchestrator"`
	Queues       map[domain.AgentType]int `json:"queues"`
	Router       router.Stats             `json:"router"`
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) listTasks(limit int) ([]domain.Task, error) {
	var out []domain.Task
	err := c.getJSON(fmt.Sprintf("/v1/tasks?limit=%d", limit), &out)
	return out, err
}

func (c *client) listAgents() ([]domain.Agent, error) {
	var out []domain.Agent
	err := c.getJSON("/v1/agents", &out)
	return out, err
}

func (c *client) metrics() (metricsView, error) {
	var out metricsView
	err := c.getJSON("/v1/metrics", &out)
	return out, err
}

func (c *client) listTaskDecisions(taskID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	err := c.getJSON(fmt.Sprintf("/v1/tasks/%s/decisions?limit=%d", url.PathEscape(taskID), limit), &out)
	return out, err
}

func (c *client) submitTask(agentType, taskType string, payload json.RawMessage) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.postJSON("/v1/tasks", map[string]any{
		"agent_type": agentType,
		"task_type":  taskType,
		"payload":    payload,
		"context":    map[string]string{"source": "monitor"},
	}, &out)
	return out.TaskID, err
}

func (c *client) cancelTask(taskID string) error {
	return c.postJSON(fmt.Sprintf("/v1/tasks/%s/cancel", url.PathEscape(taskID)), nil, nil)
}

func (c *client) healthy() bool {
	resp, err := c.http.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 300
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do sends req and unwraps the response envelope into out.
func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("http %s: %s", resp.Status, trimLine(strings.TrimSpace(string(body)), 200))
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Kind, env.Error.Message)
		}
		return fmt.Errorf("http %s", resp.Status)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *client) getTask(taskID string) (domain.Task, error) {
	var out domain.Task
	err := c.getJSON("/v1/tasks/"+url.PathEscape(taskID), &out)
	return out, err
}

func (c *client) listMessages(limit int) ([]domain.QueuedMessage, error) {
	var out []domain.QueuedMessage
	err := c.getJSON(fmt.Sprintf("/v1/messages?limit=%d", limit), &out)
	return out, err
}
