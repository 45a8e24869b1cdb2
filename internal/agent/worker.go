package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"switchboard/internal/domain"
	"switchboard/internal/registry"
)

// Operation runs one task type inside a Worker.
type Operation func(ctx context.Context, inv registry.Invocation) (json.RawMessage, error)

// Sampler reports resource usage for the process hosting in-process workers.
type Sampler interface {
	Sample(ctx context.Context) (domain.ResourceSample, error)
}

type WorkerOptions struct {
	MailboxSize int
	Sampler     Sampler
	Logger      *zap.Logger
}

// Worker is an in-process agent handle backed by an operation table.
type Worker struct {
	id      string
	ops     map[domain.TaskType]Operation
	mailbox *registry.Mailbox
	sampler Sampler
	logger  *zap.Logger

	paused  atomic.Bool
	started atomic.Bool
	done    sync.WaitGroup
}

func NewWorker(id string, ops map[domain.TaskType]Operation, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	table := make(map[domain.TaskType]Operation, len(ops))
	for k, op := range ops {
		table[k] = op
	}
	return &Worker{
		id:      id,
		ops:     table,
		mailbox: registry.NewMailbox(opts.MailboxSize),
		sampler: opts.Sampler,
		logger:  logger.Named("worker").With(zap.String("agent_id", id)),
	}
}

func (w *Worker) ID() string {
	return w.id
}

// TaskTypes lists the task types this worker can run, sorted.
func (w *Worker) TaskTypes() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(w.ops))
	for t := range w.ops {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (w *Worker) Execute(ctx context.Context, inv registry.Invocation) (registry.Output, error) {
	op, ok := w.ops[inv.TaskType]
	if !ok {
		return registry.Output{}, domain.Errorf(domain.KindUnknownTaskType, "agent %s has no operation for %q", w.id, inv.TaskType)
	}
	data, err := op(ctx, inv)
	if err != nil {
		return registry.Output{}, err
	}
	return registry.Output{Data: data}, nil
}

func (w *Worker) Receive(_ context.Context, msg domain.QueuedMessage) error {
	if err := w.mailbox.Deliver(msg); err != nil {
		return fmt.Errorf("deliver to %s: %w", w.id, err)
	}
	return nil
}

func (w *Worker) Probe(_ context.Context) error {
	if w.paused.Load() {
		return errors.New("worker paused")
	}
	if w.mailbox.Len() >= w.mailbox.Cap() {
		return registry.ErrMailboxFull
	}
	return nil
}

func (w *Worker) Resources(ctx context.Context) (domain.ResourceSample, error) {
	if w.sampler == nil {
		return domain.ResourceSample{}, errors.New("no resource sampler configured")
	}
	return w.sampler.Sample(ctx)
}

func (w *Worker) Pause()  { w.paused.Store(true) }
func (w *Worker) Resume() { w.paused.Store(false) }

// Start consumes the mailbox until ctx ends or the worker is closed. Only the
// first call starts a consumer.
func (w *Worker) Start(ctx context.Context, onMessage func(context.Context, domain.QueuedMessage)) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.done.Add(1)
	go func() {
		defer w.done.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-w.mailbox.C():
				if !ok {
					return
				}
				w.handle(ctx, msg, onMessage)
			}
		}
	}()
}

func (w *Worker) handle(ctx context.Context, msg domain.QueuedMessage, onMessage func(context.Context, domain.QueuedMessage)) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("message handler panicked", zap.String("message_id", msg.ID), zap.Any("panic", r))
		}
	}()
	if onMessage == nil {
		w.logger.Debug("message received",
			zap.String("message_id", msg.ID),
			zap.String("from_agent", msg.FromAgent),
			zap.String("type", string(msg.Type)))
		return
	}
	onMessage(ctx, msg)
}

// Close stops accepting messages and waits for the consumer to drain.
func (w *Worker) Close() {
	w.mailbox.Close()
	w.done.Wait()
}
