package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/port/messagequeue"
)

// fakeQueue records publishes and hands subscribed handlers to the test.
type fakeQueue struct {
	mu         sync.Mutex
	publishErr error
	published  map[string][][]byte
	handlers   map[string]messagequeue.Handler
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		published: make(map[string][][]byte),
		handlers:  make(map[string]messagequeue.Handler),
	}
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published[subject] = append(q.published[subject], data)
	return nil
}

func (q *fakeQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[subject] = h
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.handlers, subject)
	}, nil
}

func (q *fakeQueue) Drain() error      { return nil }
func (q *fakeQueue) Close() error      { return nil }
func (q *fakeQueue) IsConnected() bool { return true }

func (q *fakeQueue) handler(subject string) messagequeue.Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[subject]
}

func (q *fakeQueue) messages(subject string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published[subject]
}

func TestQueueDispatcher_PublishesAndWorkerExecutes(t *testing.T) {
	f := newFixture(t)
	q := newFakeQueue()
	f.engine.SetDispatcher(NewQueueDispatcher(q, f.engine))
	f.engine.SetStatusQueue(q)
	ctx := context.Background()

	r, _, err := f.engine.CreateRun(ctx, titleRequest(run.TypeDraftGenerate))
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, r.Status)

	msgs := q.messages(messagequeue.SubjectRunExecute)
	require.Len(t, msgs, 1)
	var p messagequeue.RunExecutePayload
	require.NoError(t, json.Unmarshal(msgs[0], &p))
	assert.Equal(t, r.ID, p.RunID)

	w := NewWorker(q, f.engine, nil, 2)
	require.NoError(t, w.Start(ctx))
	assert.Nil(t, q.handler(messagequeue.SubjectTargetChanged), "no trigger handler configured")

	require.NoError(t, q.handler(messagequeue.SubjectRunExecute)(ctx, messagequeue.SubjectRunExecute, msgs[0]))
	got, err := f.engine.GetRun(ctx, r.ID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, got.Status)

	status := q.messages(messagequeue.SubjectRunStatus)
	require.Len(t, status, 1)
	var sp messagequeue.RunStatusPayload
	require.NoError(t, json.Unmarshal(status[0], &sp))
	assert.Equal(t, string(run.StatusSucceeded), sp.Status)

	// Redelivery is harmless.
	require.NoError(t, q.handler(messagequeue.SubjectRunExecute)(ctx, messagequeue.SubjectRunExecute, msgs[0]))
	assert.Equal(t, 2, f.provider.count())

	w.Stop()
	assert.Nil(t, q.handler(messagequeue.SubjectRunExecute))
}

func TestQueueDispatcher_FallsBackInline(t *testing.T) {
	f := newFixture(t)
	q := newFakeQueue()
	q.publishErr = errors.New("nats: no responders")
	f.engine.SetDispatcher(NewQueueDispatcher(q, f.engine))

	r, _, err := f.engine.CreateRun(context.Background(), titleRequest(run.TypeDraftGenerate))
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, r.Status)
}

func TestInlineDispatcher_RunOutlivesRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, created, err := f.engine.CreateRun(ctx, titleRequest(run.TypeDraftGenerate))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, run.StatusSucceeded, r.Status, "a closed request must not abort the run")
	assert.Empty(t, r.ErrorCode)
	assert.Equal(t, 2, f.provider.count())
}

func TestQueueDispatcher_FallbackOutlivesRequest(t *testing.T) {
	f := newFixture(t)
	q := newFakeQueue()
	q.publishErr = errors.New("nats: no responders")
	f.engine.SetDispatcher(NewQueueDispatcher(q, f.engine))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _, err := f.engine.CreateRun(ctx, titleRequest(run.TypePreviewGenerate))
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, r.Status)
}

func TestWorker_TargetChanged(t *testing.T) {
	f := newFixture(t)
	q := newFakeQueue()
	w := NewWorker(q, f.engine, newTriggerGate(f), 1)
	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	h := q.handler(messagequeue.SubjectTargetChanged)
	require.NotNil(t, h)

	data, err := json.Marshal(messagequeue.TargetChangedPayload{ProjectID: testProject, TargetID: "p1"})
	require.NoError(t, err)
	require.NoError(t, h(ctx, messagequeue.SubjectTargetChanged, data))
	assert.Equal(t, "Title p1", f.store.target(testProject, "p1").SEOTitle)

	gone, err := json.Marshal(messagequeue.TargetChangedPayload{ProjectID: testProject, TargetID: "deleted"})
	require.NoError(t, err)
	assert.NoError(t, h(ctx, messagequeue.SubjectTargetChanged, gone), "events for unknown targets are dropped")

	assert.Error(t, h(ctx, messagequeue.SubjectTargetChanged, []byte("{")))
}
