package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/domain"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "switchboard base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start a local switchboard for the lifetime of the monitor")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	dbPath := flag.String("db", "data/monitor.db", "sqlite db path for the embedded orchestrator")
	flag.Parse()

	c := newClient(*addr)

	var embeddedProc *embeddedOrchestrator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard health check failed: %v\n", err)
		embeddedProc.Stop()
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, Ctrl+X cancel, F5 refresh, F10 quit)").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	metricsPanel := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	metricsPanel.SetTitle("Metrics").SetBorder(true)

	messagesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	messagesView.SetTitle("Messages").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(true)
	detailView.SetTitle("Task").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Submit: ")
	promptInput.SetBorder(true).SetTitle("<agent_type> <task_type> [json payload], Enter = submit")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(metricsPanel, 7, 0, false).
		AddItem(agentsView, 0, 2, false).
		AddItem(messagesView, 0, 2, false).
		AddItem(detailView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []domain.Task
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshOverview := func() {
		var (
			tasks    []domain.Task
			agents   []domain.Agent
			messages []domain.QueuedMessage
			metrics  metricsView
		)
		var g errgroup.Group
		var tasksErr, agentsErr, messagesErr, metricsErr error
		g.Go(func() error { tasks, tasksErr = c.listTasks(200); return nil })
		g.Go(func() error { agents, agentsErr = c.listAgents(); return nil })
		g.Go(func() error { messages, messagesErr = c.listMessages(50); return nil })
		g.Go(func() error { metrics, metricsErr = c.metrics(); return nil })
		_ = g.Wait()

		if tasksErr == nil {
			sort.Slice(tasks, func(i, j int) bool {
				return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
			})
			lastTasks = tasks
		}
		app.QueueUpdateDraw(func() {
			if tasksErr != nil {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tasksErr)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			} else {
				renderTasksTable(tasksTable, tasks, selectedTaskID)
			}
			agentsView.SetText(textOrError(renderAgents(agents), agentsErr))
			messagesView.SetText(textOrError(renderMessages(messages), messagesErr))
			metricsPanel.SetText(textOrError(renderMetrics(metrics), metricsErr))
		})
	}

	refreshDetailsAsync := func(taskID string) {
		if strings.TrimSpace(taskID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			var task domain.Task
			var decisions []domain.DecisionLog
			var taskErr, decisionsErr error
			var g errgroup.Group
			g.Go(func() error { task, taskErr = c.getTask(selected); return nil })
			g.Go(func() error { decisions, decisionsErr = c.listTaskDecisions(selected, 100); return nil })
			_ = g.Wait()

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				if taskErr != nil {
					detailView.SetText(fmt.Sprintf("error: %v", taskErr))
					return
				}
				detailView.SetText(renderTaskResult(task) + "\n" + textOrError(renderDecisions(decisions), decisionsErr))
			})
		}(taskID, version)
	}

	submitPrompt := func(input string) {
		input = strings.TrimSpace(input)
		if input == "" {
			return
		}
		agentType, taskType, payload, err := parsePrompt(input)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		setStatusUI("Submitting task...")
		promptInput.SetText("")
		go func() {
			taskID, err := c.submitTask(agentType, taskType, payload)
			if err != nil {
				setStatusAsync("Submit failed: " + err.Error())
				return
			}
			selectedTaskID = taskID
			refreshOverview()
			refreshDetailsAsync(taskID)
			setStatusAsync("Task submitted: " + taskID)
		}()
	}

	cancelSelected := func() {
		taskID := selectedTaskID
		if taskID == "" {
			setStatusUI("No task selected")
			return
		}
		go func() {
			if err := c.cancelTask(taskID); err != nil {
				setStatusAsync("Cancel failed: " + err.Error())
				return
			}
			refreshOverview()
			refreshDetailsAsync(taskID)
			setStatusAsync("Task cancelled: " + taskID)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDetailsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshOverview()
				refreshDetailsAsync(selectedTaskID)
				setStatusAsync("Manual refresh complete")
			}()
			return nil
		case tcell.KeyCtrlX:
			cancelSelected()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshOverview()
		for _, task := range lastTasks {
			if task.Status == domain.TaskStatusProcessing || task.Status == domain.TaskStatusPending {
				selectedTaskID = task.ID
				break
			}
		}
		refreshDetailsAsync(selectedTaskID)

		for range ticker.C {
			refreshOverview()
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refreshDetailsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		embeddedProc.Stop()
		os.Exit(1)
	}
}

func textOrError(text string, err error) string {
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return text
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.healthy() {
			return nil
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

// startEmbeddedOrchestrator launches the orchestrator binary with demo agents
// on the port taken from addr.
func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"--addr", ":" + port, "--db", dbPath, "--demo"}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cmd.Dir, _ = os.Getwd()
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
