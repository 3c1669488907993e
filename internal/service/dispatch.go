package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/logger"
	"github.com/Strob0t/storepilot/internal/port/messagequeue"
)

// Executor runs a queued run to a terminal state.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// Dispatcher hands a freshly created run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, r *run.Run) error
}

// InlineDispatcher executes runs synchronously in the caller's goroutine.
// The run is detached from the caller's cancellation, so a closed request
// does not abort it; engine.run_timeout bounds it instead.
type InlineDispatcher struct {
	exec Executor
}

// NewInlineDispatcher creates an InlineDispatcher.
func NewInlineDispatcher(exec Executor) *InlineDispatcher {
	return &InlineDispatcher{exec: exec}
}

// Dispatch implements Dispatcher.
func (d *InlineDispatcher) Dispatch(ctx context.Context, r *run.Run) error {
	return d.exec.Execute(context.WithoutCancel(ctx), r.ID)
}

// QueueDispatcher publishes runs to the execute subject. When publishing
// fails the run is executed inline so that it never stays QUEUED unseen.
type QueueDispatcher struct {
	queue    messagequeue.Queue
	fallback Executor
}

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(queue messagequeue.Queue, fallback Executor) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, fallback: fallback}
}

// Dispatch implements Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(messagequeue.RunExecutePayload{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		RequestID: logger.RequestID(ctx),
	})
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}

	if err := d.queue.Publish(ctx, messagequeue.SubjectRunExecute, data); err != nil {
		slog.WarnContext(ctx, "publish run failed, executing inline", "run_id", r.ID, "error", err)
		return d.fallback.Execute(context.WithoutCancel(ctx), r.ID)
	}
	return nil
}
