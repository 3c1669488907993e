package logger

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

// sink collects records handed over by the async workers.
type sink struct {
	mu      sync.Mutex
	records []slog.Record
	attrs   []slog.Attr
	delay   time.Duration
}

func (s *sink) Enabled(context.Context, slog.Level) bool { return true }

func (s *sink) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	s.mu.Lock()
	s.attrs = append(s.attrs, attrs...)
	s.mu.Unlock()
	return s
}

func (s *sink) WithGroup(string) slog.Handler { return s }

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func runRecord(msg, runID string) slog.Record {
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
	rec.AddAttrs(slog.String("run_id", runID))
	return rec
}

func TestAsyncHandler_KeepsRecordAttrs(t *testing.T) {
	s := &sink{}
	ah := NewAsyncHandler(s, 16, 1)

	if err := ah.Handle(context.Background(), runRecord("run claimed", "run-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	ah.Close()

	if s.len() != 1 {
		t.Fatalf("got %d records, want 1", s.len())
	}
	var runID string
	s.records[0].Attrs(func(a slog.Attr) bool {
		if a.Key == "run_id" {
			runID = a.Value.String()
		}
		return true
	})
	if runID != "run-1" {
		t.Errorf("run_id = %q, want run-1", runID)
	}
}

// Every worker of a busy engine logs through the same handler.
func TestAsyncHandler_ManyRunsLogging(t *testing.T) {
	const runs, linesPerRun = 64, 50

	s := &sink{}
	ah := NewAsyncHandler(s, runs*linesPerRun, 4)

	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "run-" + strconv.Itoa(i)
			for range linesPerRun {
				_ = ah.Handle(context.Background(), runRecord("target updated", id))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := s.len(); got != runs*linesPerRun {
		t.Fatalf("got %d records, want %d", got, runs*linesPerRun)
	}
	if ah.DroppedCount() != 0 {
		t.Errorf("dropped %d records with a buffer large enough for all", ah.DroppedCount())
	}
}

func TestAsyncHandler_FullBufferDrops(t *testing.T) {
	s := &sink{delay: 10 * time.Millisecond}
	ah := NewAsyncHandler(s, 1, 1)

	const sent = 50
	for range sent {
		_ = ah.Handle(context.Background(), runRecord("provider call", "run-flood"))
	}
	ah.Close()

	dropped := ah.DroppedCount()
	if dropped == 0 {
		t.Fatal("expected drops with a one-slot buffer and a slow sink")
	}
	if got := int64(s.len()) + dropped; got != sent {
		t.Errorf("written %d + dropped %d != %d sent", s.len(), dropped, sent)
	}
}

func TestAsyncHandler_DerivedHandlersShareQueue(t *testing.T) {
	s := &sink{}
	ah := NewAsyncHandler(s, 100, 1)
	worker := ah.WithAttrs([]slog.Attr{slog.String("component", "worker")})

	_ = worker.Handle(context.Background(), runRecord("message acked", "run-2"))
	_ = ah.Handle(context.Background(), runRecord("run finished", "run-2"))

	// Closing the root drains records queued through the derived handler too.
	ah.Close()

	if got := s.len(); got != 2 {
		t.Fatalf("got %d records, want 2", got)
	}
	if len(s.attrs) != 1 || s.attrs[0].Value.String() != "worker" {
		t.Errorf("derived attrs = %v, want component=worker", s.attrs)
	}
}

func TestAsyncHandler_CloseDrainsBacklog(t *testing.T) {
	s := &sink{}
	ah := NewAsyncHandler(s, 1000, 2)

	const total = 200
	for i := range total {
		_ = ah.Handle(context.Background(), runRecord("draft item saved", "run-"+strconv.Itoa(i)))
	}
	ah.Close()

	if got := s.len(); got != total {
		t.Fatalf("got %d records after Close, want %d", got, total)
	}
}
