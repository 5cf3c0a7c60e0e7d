package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/deltasync/internal/backoff"
	"github.com/SirClappington/deltasync/internal/domain"
	"github.com/SirClappington/deltasync/internal/pipeline"
	"github.com/SirClappington/deltasync/internal/queue"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	pull  func(attempt int) (pipeline.Result, error)
	after func(n int)
}

func (f *fakeRunner) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	n := len(f.calls)
	f.mu.Unlock()
	if f.after != nil {
		f.after(n)
	}
}

func (f *fakeRunner) Pull(_ context.Context, ownerID string, attempt int) (pipeline.Result, error) {
	f.record("pull:" + ownerID)
	if f.pull != nil {
		return f.pull(attempt)
	}
	return pipeline.Result{OwnerID: ownerID, Outcome: pipeline.Completed}, nil
}

func (f *fakeRunner) DrainProcessing(_ context.Context, ownerID string, _ int) (pipeline.Result, error) {
	f.record("sync:" + ownerID)
	return pipeline.Result{OwnerID: ownerID, Outcome: pipeline.Completed}, nil
}

func (f *fakeRunner) DrainWork(_ context.Context, ownerID string) (queue.Report, error) {
	f.record("drain:" + ownerID)
	return queue.Report{OwnerID: ownerID}, nil
}

func (f *fakeRunner) DrainPlan(_ context.Context, ownerID string) (queue.Report, error) {
	f.record("plan:" + ownerID)
	return queue.Report{OwnerID: ownerID}, nil
}

func TestHandleDispatchesByKind(t *testing.T) {
	runner := &fakeRunner{}
	p := NewPool(Options{Tasks: NewMemoryTaskQueue(), Runner: runner, Logger: zaptest.NewLogger(t)})
	for _, kind := range []domain.TaskKind{domain.TaskPull, domain.TaskSync, domain.TaskDrain, domain.TaskPlan} {
		if err := p.Handle(context.Background(), domain.Task{ID: "t", Kind: kind, OwnerID: "u1"}); err != nil {
			t.Fatalf("handle %s: %v", kind, err)
		}
	}
	want := []string{"pull:u1", "sync:u1", "drain:u1", "plan:u1"}
	for i, call := range want {
		if runner.calls[i] != call {
			t.Fatalf("call %d: expected %s, got %s", i, call, runner.calls[i])
		}
	}
}

func TestHandleRejectsUnknownTasks(t *testing.T) {
	p := NewPool(Options{Tasks: NewMemoryTaskQueue(), Runner: &fakeRunner{}})
	err := p.Handle(context.Background(), domain.Task{ID: "t", Kind: "resync", OwnerID: "u1"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestHandleReschedulesRetryRequested(t *testing.T) {
	tasks := NewMemoryTaskQueue()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks.now = func() time.Time { return now }
	runner := &fakeRunner{pull: func(attempt int) (pipeline.Result, error) {
		return pipeline.Result{Outcome: pipeline.RetryRequested, Delay: 20 * time.Second}, nil
	}}
	p := NewPool(Options{Tasks: tasks, Runner: runner})
	p.now = func() time.Time { return now }

	if err := p.Handle(context.Background(), domain.Task{ID: "t1", Kind: domain.TaskPull, OwnerID: "u1", Attempt: 2}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok, _ := tasks.Pop(context.Background(), time.Millisecond); ok {
		t.Fatalf("retry must not be runnable before its delay")
	}
	now = now.Add(20 * time.Second)
	next, ok, err := tasks.Pop(context.Background(), time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected retry due, ok=%v err=%v", ok, err)
	}
	if next.Attempt != 3 || next.Kind != domain.TaskPull || next.OwnerID != "u1" || next.ID == "t1" {
		t.Fatalf("unexpected retry task %+v", next)
	}
}

func TestHandleReturnsRunnerErrors(t *testing.T) {
	boom := errors.New("boom")
	runner := &fakeRunner{pull: func(int) (pipeline.Result, error) { return pipeline.Result{}, boom }}
	tasks := NewMemoryTaskQueue()
	p := NewPool(Options{Tasks: tasks, Runner: runner})
	if err := p.Handle(context.Background(), domain.Task{ID: "t", Kind: domain.TaskPull, OwnerID: "u1"}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if tasks.Len() != 0 {
		t.Fatalf("fatal errors must not reschedule")
	}
}

func TestRunProcessesQueuedTasksUntilCancelled(t *testing.T) {
	tasks := NewMemoryTaskQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{after: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	for _, owner := range []string{"a", "b", "c"} {
		_ = NewTrigger(tasks, domain.TaskDrain).Enqueue(ctx, owner)
	}
	p := NewPool(Options{Tasks: tasks, Runner: runner, Workers: 2, PopTimeout: 50 * time.Millisecond, Logger: zaptest.NewLogger(t)})

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop")
	}
	if len(runner.calls) != 3 {
		t.Fatalf("expected 3 tasks handled, got %v", runner.calls)
	}
}

func TestTriggerCoalescesPendingTasks(t *testing.T) {
	tasks := NewMemoryTaskQueue()
	trigger := NewTrigger(tasks, domain.TaskPlan)
	for i := 0; i < 3; i++ {
		if err := trigger.Enqueue(context.Background(), "u1"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if tasks.Len() != 1 {
		t.Fatalf("expected one pending plan task, got %d", tasks.Len())
	}
	task, ok, _ := tasks.Pop(context.Background(), time.Millisecond)
	if !ok || task.Kind != domain.TaskPlan || task.OwnerID != "u1" {
		t.Fatalf("unexpected task %+v", task)
	}
	_ = trigger.Enqueue(context.Background(), "u1")
	if tasks.Len() != 1 {
		t.Fatalf("expected a new task once the previous one was taken")
	}
}

func TestMemoryTaskQueuePopTimesOut(t *testing.T) {
	tasks := NewMemoryTaskQueue()
	start := time.Now()
	_, ok, err := tasks.Pop(context.Background(), 20*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected timeout, ok=%v err=%v", ok, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned before the timeout")
	}
}

type popResult struct {
	task domain.Task
	ok   bool
	err  error
}

// scriptedTasks replays pops in order, then calls drained and blocks.
type scriptedTasks struct {
	mu      sync.Mutex
	pops    []popResult
	drained func()
}

func (s *scriptedTasks) Push(context.Context, domain.Task, time.Time) error { return nil }

func (s *scriptedTasks) PushUnique(context.Context, domain.Task) (bool, error) { return true, nil }

func (s *scriptedTasks) Pop(ctx context.Context, _ time.Duration) (domain.Task, bool, error) {
	s.mu.Lock()
	if len(s.pops) > 0 {
		next := s.pops[0]
		s.pops = s.pops[1:]
		s.mu.Unlock()
		return next.task, next.ok, next.err
	}
	s.mu.Unlock()
	s.drained()
	<-ctx.Done()
	return domain.Task{}, false, ctx.Err()
}

func TestRunHandlesTaskPoppedWithErrorAndBacksOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks := &scriptedTasks{
		pops: []popResult{
			{task: domain.Task{ID: "t1", Kind: domain.TaskSync, OwnerID: "u1"}, ok: true, err: errors.New("clear pending marker: i/o timeout")},
			{err: errors.New("dial tcp: connection refused")},
			{err: errors.New("dial tcp: connection refused")},
			{task: domain.Task{ID: "t2", Kind: domain.TaskPlan, OwnerID: "u1"}, ok: true},
		},
		drained: cancel,
	}
	runner := &fakeRunner{}
	p := NewPool(Options{
		Tasks:      tasks,
		Runner:     runner,
		Workers:    1,
		PopBackoff: backoff.Policy{BaseDelay: time.Second, MaxDelay: time.Minute},
		Calculator: backoff.New(),
		Logger:     zaptest.NewLogger(t),
	})
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(runner.calls) != 2 || runner.calls[0] != "sync:u1" || runner.calls[1] != "plan:u1" {
		t.Fatalf("expected both popped tasks handled, got %v", runner.calls)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("expected backoff of 1s then 2s between failed pops, got %v", slept)
	}
}

func TestMemoryTaskQueueKeepsMarkerOfWaitingTask(t *testing.T) {
	tasks := NewMemoryTaskQueue()
	ctx := context.Background()
	retry := domain.Task{ID: "retry", Kind: domain.TaskSync, OwnerID: "u1", Attempt: 1}
	if err := tasks.Push(ctx, retry, time.Time{}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if ok, _ := tasks.PushUnique(ctx, domain.Task{ID: "kick", Kind: domain.TaskSync, OwnerID: "u1"}); !ok {
		t.Fatal("expected the first unique push to land")
	}

	got, ok, _ := tasks.Pop(ctx, time.Millisecond)
	if !ok || got.ID != "retry" {
		t.Fatalf("expected the retry first, got %+v", got)
	}
	if ok, _ := tasks.PushUnique(ctx, domain.Task{ID: "kick2", Kind: domain.TaskSync, OwnerID: "u1"}); ok {
		t.Fatal("kick is still waiting, a second unique push must be skipped")
	}

	got, ok, _ = tasks.Pop(ctx, time.Millisecond)
	if !ok || got.ID != "kick" {
		t.Fatalf("expected the kick, got %+v", got)
	}
	if ok, _ := tasks.PushUnique(ctx, domain.Task{ID: "kick3", Kind: domain.TaskSync, OwnerID: "u1"}); !ok {
		t.Fatal("expected a unique push once the kick was taken")
	}
}
