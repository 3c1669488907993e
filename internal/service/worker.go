package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
	"github.com/Strob0t/storepilot/internal/port/messagequeue"
)

// TriggerHandler handles target change events.
type TriggerHandler interface {
	Handle(ctx context.Context, ev trigger.Event) (*TriggerResult, error)
}

// Worker consumes queued runs and target change events. At most
// concurrency runs execute at once in this process.
type Worker struct {
	queue    messagequeue.Queue
	exec     Executor
	triggers TriggerHandler
	sem      *semaphore.Weighted

	mu      sync.Mutex
	cancels []func()
}

// NewWorker creates a Worker. triggers may be nil to leave target events
// to another process.
func NewWorker(queue messagequeue.Queue, exec Executor, triggers TriggerHandler, concurrency int) *Worker {
	return &Worker{
		queue:    queue,
		exec:     exec,
		triggers: triggers,
		sem:      semaphore.NewWeighted(int64(max(concurrency, 1))),
	}
}

// Start subscribes to the run and target subjects.
func (w *Worker) Start(ctx context.Context) error {
	subs := map[string]messagequeue.Handler{
		messagequeue.SubjectRunExecute: w.handleRun,
	}
	if w.triggers != nil {
		subs[messagequeue.SubjectTargetChanged] = w.handleTargetChanged
	}

	for subject, h := range subs {
		cancel, err := w.queue.Subscribe(ctx, subject, h)
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		w.mu.Lock()
		w.cancels = append(w.cancels, cancel)
		w.mu.Unlock()
		slog.Info("worker subscribed", "subject", subject)
	}
	return nil
}

// Stop cancels all subscriptions.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.cancels {
		cancel()
	}
	w.cancels = nil
}

func (w *Worker) handleRun(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunExecutePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal run payload: %w", err)
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	return w.exec.Execute(ctx, p.RunID)
}

func (w *Worker) handleTargetChanged(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TargetChangedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal target payload: %w", err)
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	res, err := w.triggers.Handle(ctx, trigger.Event{
		ProjectID:  p.ProjectID,
		TargetID:   p.TargetID,
		Automation: p.Automation,
	})
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		slog.WarnContext(ctx, "target change dropped", "target_id", p.TargetID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "target change handled", "target_id", p.TargetID, "decision", res.Decision)
	return nil
}
