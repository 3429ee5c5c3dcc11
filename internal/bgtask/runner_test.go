package bgtask

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/chatlock"
	"github.com/fluxworks/taskrunner/internal/injectionqueue"
	"github.com/fluxworks/taskrunner/internal/sandbox"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// recordingParent captures every message injected into the parent
// conversation, for assertions about injection content and ordering.
type recordingParent struct {
	mu       sync.Mutex
	messages []string
}

func (p *recordingParent) ChatStream(ctx context.Context, message string) (<-chan agentiface.StreamEvent, error) {
	p.mu.Lock()
	p.messages = append(p.messages, message)
	p.mu.Unlock()

	ch := make(chan agentiface.StreamEvent, 2)
	ch <- agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: "ack"}
	ch <- agentiface.StreamEvent{Kind: agentiface.KindDone}
	close(ch)
	return ch, nil
}

func (p *recordingParent) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.messages))
	copy(out, p.messages)
	return out
}

// harness wires a Runner to in-memory collaborators and records every
// fakeAgent created, keyed by task id, for tests that need to drive or
// inspect a specific task's agent.
type harness struct {
	mu         sync.Mutex
	agentsByID map[string]*fakeAgent

	runner *Runner
	parent *recordingParent
	bus    *ssebus.Bus
}

func newHarness(opts Options, complete func(task Task) []agentiface.CompleteResult, blockFirst func(task Task) bool) *harness {
	h := &harness{agentsByID: make(map[string]*fakeAgent)}
	h.bus = ssebus.New()
	h.parent = &recordingParent{}
	queue := injectionqueue.New(chatlock.New(), h.bus, h.parent)

	sf := sandbox.New()
	sf.Register("local", func(taskID string) (agentiface.Sandbox, error) { return sandbox.NewLocal(taskID) })

	factory := func(task Task) (agentiface.Agent, error) {
		var results []agentiface.CompleteResult
		if complete != nil {
			results = complete(task)
		}
		a := newFakeAgent(results...)
		if blockFirst != nil {
			a.blockFirst = blockFirst(task)
		}
		h.mu.Lock()
		h.agentsByID[task.ID] = a
		h.mu.Unlock()
		return a, nil
	}

	h.runner = New(opts, factory, sf, queue, h.bus, nil, nil)
	return h
}

func (h *harness) agentFor(t *testing.T, taskID string) *fakeAgent {
	t.Helper()
	for i := 0; i < 1000; i++ {
		h.mu.Lock()
		a, ok := h.agentsByID[taskID]
		h.mu.Unlock()
		if ok {
			return a
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("agent for task %s was never created", taskID)
	return nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestStartToCompletion(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 100, AgentKeepAliveMs: 100_000}, func(Task) []agentiface.CompleteResult {
		return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: "all done"}}
	}, nil)

	id := h.runner.Start("executor", "do the thing", "demo task", StartOptions{})

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted
	})

	task, _ := h.runner.GetTask(id)
	if task.Result != "all done" {
		t.Errorf("expected result %q, got %q", "all done", task.Result)
	}
	if !task.AgentAlive {
		t.Error("expected AgentAlive after successful completion")
	}

	waitUntil(t, func() bool { return len(h.parent.snapshot()) == 1 })
	msg := h.parent.snapshot()[0]
	if !strings.Contains(msg, "子任务完成") || !strings.Contains(msg, "all done") {
		t.Errorf("unexpected injection message: %q", msg)
	}
}

// TestMaxConcurrentBound exercises P1/B1: with maxConcurrent=1, a second
// task stays queued until the first completes, then is promoted.
func TestMaxConcurrentBound(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 1, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult { return nil },
		func(Task) bool { return true },
	)

	id1 := h.runner.Start("executor", "first", "first task", StartOptions{})
	id2 := h.runner.Start("executor", "second", "second task", StartOptions{})

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id1)
		return ok && task.Status == StatusRunning
	})

	task2, _ := h.runner.GetTask(id2)
	if task2.Status != StatusQueued {
		t.Fatalf("expected second task to remain queued while at capacity, got %s", task2.Status)
	}

	a1 := h.agentFor(t, id1)
	a1.Interrupt("release")

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id2)
		return ok && task.Status == StatusRunning
	})
}

// TestPriorityOrdering exercises S1: with maxConcurrent=1, a high-priority
// task dispatched last still runs before a lower-priority task dispatched
// earlier.
func TestPriorityOrdering(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 1, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(task Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: task.Description}}
		},
		func(Task) bool { return true },
	)

	idNormal := h.runner.Start("executor", "p", "T1", StartOptions{Priority: PriorityNormal})
	idLow := h.runner.Start("executor", "p", "T2", StartOptions{Priority: PriorityLow})

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(idNormal)
		return ok && task.Status == StatusRunning
	})

	idHigh := h.runner.Start("executor", "p", "T3", StartOptions{Priority: PriorityHigh})

	queued := h.runner.GetQueuedTasks()
	if len(queued) != 2 || queued[0].Description != "T3" {
		t.Fatalf("expected T3 (high) to be queued ahead of T2 (low), got %+v", queued)
	}

	h.agentFor(t, idNormal).Interrupt("release T1")
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(idHigh)
		return ok && task.Status == StatusRunning
	})

	h.agentFor(t, idHigh).Interrupt("release T3")
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(idLow)
		return ok && task.Status == StatusRunning
	})
}

// TestCancelQueuedTask exercises S6/P7/L1: a queued task never starts, flips
// straight to cancelled, and still produces exactly one injection.
func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 1, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult { return nil },
		func(Task) bool { return true },
	)

	idHeld := h.runner.Start("executor", "hold", "holder", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(idHeld)
		return ok && task.Status == StatusRunning
	})

	idQueued := h.runner.Start("executor", "never runs", "queued task", StartOptions{})

	ok := h.runner.Cancel(idQueued, "no longer needed")
	if !ok {
		t.Fatal("expected Cancel on a queued task to return true")
	}

	task, _ := h.runner.GetTask(idQueued)
	if task.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
	if task.CancelReason != "no longer needed" {
		t.Errorf("expected cancel reason to be recorded, got %q", task.CancelReason)
	}

	h.mu.Lock()
	_, everStarted := h.agentsByID[idQueued]
	h.mu.Unlock()
	if everStarted {
		t.Error("expected a cancelled queued task to never dispatch an agent")
	}

	waitUntil(t, func() bool {
		for _, m := range h.parent.snapshot() {
			if strings.Contains(m, "子任务已取消") && strings.Contains(m, "no longer needed") {
				return true
			}
		}
		return false
	})
}

// TestIdleTimeout exercises S2/B2: a task whose agent never reports
// activity is failed by the idle watchdog.
func TestIdleTimeout(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 50, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult { return nil },
		func(Task) bool { return true },
	)

	id := h.runner.Start("executor", "stuck", "stuck task", StartOptions{})

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusFailed
	})

	task, _ := h.runner.GetTask(id)
	if !strings.Contains(task.Error, "idle timeout") {
		t.Errorf("expected idle timeout error, got %q", task.Error)
	}

	waitUntil(t, func() bool {
		for _, m := range h.parent.snapshot() {
			if strings.Contains(m, "子任务失败") {
				return true
			}
		}
		return false
	})
}

// TestSendMessageSteersRunningTask exercises S3: sendMessage stashes a new
// input that the pause-loop picks up after the sub-agent pauses.
func TestSendMessageSteersRunningTask(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{
				{Status: agentiface.StatusPaused},
				{Status: agentiface.StatusOK, Text: "done. ABORT"},
			}
		},
		func(Task) bool { return true },
	)

	id := h.runner.Start("executor", "original prompt", "steerable task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusRunning
	})

	agent := h.agentFor(t, id)
	agent.emit(agentiface.MonitorEvent{Kind: agentiface.MonitorToolExecuted, Call: &agentiface.ToolCall{ID: "c1", Name: "bash"}})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.ResourceUsage.ToolCalls == 1
	})

	if ok := h.runner.SendMessage(id, "STOP and say ABORT"); !ok {
		t.Fatal("expected SendMessage on a running task to return true")
	}

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted
	})
	task, _ := h.runner.GetTask(id)
	if !strings.HasSuffix(task.Result, "ABORT") {
		t.Errorf("expected result to end with ABORT, got %q", task.Result)
	}
}

func TestToolCallLimitFailsTask(t *testing.T) {
	limit := 2
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult { return nil },
		func(Task) bool { return true },
	)

	id := h.runner.Start("executor", "p", "bounded task", StartOptions{ResourceLimits: ResourceLimits{MaxToolCalls: &limit}})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusRunning
	})

	agent := h.agentFor(t, id)
	agent.emit(agentiface.MonitorEvent{Kind: agentiface.MonitorToolExecuted, Call: &agentiface.ToolCall{ID: "c1"}})
	agent.emit(agentiface.MonitorEvent{Kind: agentiface.MonitorToolExecuted, Call: &agentiface.ToolCall{ID: "c2"}})

	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusFailed
	})
	task, _ := h.runner.GetTask(id)
	if !strings.Contains(task.Error, "maxToolCalls") {
		t.Errorf("expected maxToolCalls error, got %q", task.Error)
	}
}

func TestRetryPreservesLineage(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult { return nil },
		func(Task) bool { return true },
	)

	id := h.runner.Start("executor", "original prompt", "task", StartOptions{Priority: PriorityHigh, Skills: []string{"s1"}})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusRunning
	})
	h.runner.Cancel(id, "stop")
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCancelled
	})

	retryID, err := h.runner.Retry(id, nil)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	retryTask, _ := h.runner.GetTask(retryID)
	if retryTask.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", retryTask.RetryCount)
	}
	if retryTask.Prompt != "original prompt" {
		t.Errorf("expected original prompt preserved, got %q", retryTask.Prompt)
	}
	if retryTask.Priority != PriorityHigh || len(retryTask.Skills) != 1 || retryTask.Skills[0] != "s1" {
		t.Errorf("expected priority/skills to carry over, got %+v", retryTask)
	}
	if !strings.Contains(retryTask.Description, "retry #1") {
		t.Errorf("expected description to carry a retry suffix, got %q", retryTask.Description)
	}
}

func TestRetryRejectsNonTerminalSource(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult { return nil },
		func(Task) bool { return true },
	)
	id := h.runner.Start("executor", "p", "task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusRunning
	})

	if _, err := h.runner.Retry(id, nil); err == nil {
		t.Fatal("expected Retry on a running task to fail")
	}
}

func TestRedoAppendsFeedbackHistory(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: "first result"}}
		}, nil)

	id := h.runner.Start("executor", "original prompt", "task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted
	})

	redoID, err := h.runner.Redo(id, "please redo this better")
	if err != nil {
		t.Fatalf("Redo: %v", err)
	}
	redoTask, _ := h.runner.GetTask(redoID)
	if len(redoTask.RedoHistory) != 1 || redoTask.RedoHistory[0] != "please redo this better" {
		t.Errorf("expected redoHistory to contain the feedback, got %+v", redoTask.RedoHistory)
	}
	if !strings.Contains(redoTask.Prompt, "original prompt") || !strings.Contains(redoTask.Prompt, "first result") {
		t.Errorf("expected composed prompt to reference original prompt and previous result, got %q", redoTask.Prompt)
	}
	if !strings.Contains(redoTask.Description, "redo #1") {
		t.Errorf("expected description to carry a redo suffix, got %q", redoTask.Description)
	}
}

func TestDisposeSandboxAndAgentAreIdempotent(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 100_000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: "ok, no preview marker"}}
		}, nil)

	id := h.runner.Start("executor", "p", "task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted
	})

	// Sandbox is disposed immediately since the result had no preview marker.
	if h.runner.DisposeSandbox(id) {
		t.Error("expected DisposeSandbox to report false: already disposed on completion")
	}

	h.runner.DisposeAgent(id)
	task, _ := h.runner.GetTask(id)
	if task.AgentAlive {
		t.Error("expected AgentAlive false after DisposeAgent")
	}
	h.runner.DisposeAgent(id) // must not panic or change anything further
}

func TestSandboxPreviewMarkerKeepsSandboxAlive(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 100_000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: "here you go [sandbox-preview](https://preview.example.com/abc)"}}
		}, nil)

	id := h.runner.Start("executor", "p", "task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted
	})

	task, _ := h.runner.GetTask(id)
	if !task.SandboxAlive || task.SandboxURL != "https://preview.example.com/abc" {
		t.Errorf("expected sandbox to stay alive with the preview URL, got %+v", task)
	}
}

func TestLocalhostPreviewMarkerIsFiltered(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 100_000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: "[sandbox-preview](localhost:3000)"}}
		}, nil)

	id := h.runner.Start("executor", "p", "task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted
	})

	task, _ := h.runner.GetTask(id)
	if task.SandboxAlive || task.SandboxURL != "" {
		t.Errorf("expected localhost preview URL to be filtered, got %+v", task)
	}
}

func TestChatAsyncProducesChatResultInjection(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 100_000, AgentKeepAliveMs: 100_000},
		func(Task) []agentiface.CompleteResult {
			return []agentiface.CompleteResult{{Status: agentiface.StatusOK, Text: "first result"}}
		}, nil)

	id := h.runner.Start("executor", "p", "task", StartOptions{})
	waitUntil(t, func() bool {
		task, ok := h.runner.GetTask(id)
		return ok && task.Status == StatusCompleted && task.AgentAlive
	})

	agent := h.agentFor(t, id)
	agent.mu.Lock()
	agent.completes = append(agent.completes, agentiface.CompleteResult{Status: agentiface.StatusOK, Text: "chat reply"})
	agent.mu.Unlock()

	ok, err := h.runner.ChatAsync(id, "how did it go?")
	if err != nil || !ok {
		t.Fatalf("ChatAsync: ok=%v err=%v", ok, err)
	}

	waitUntil(t, func() bool {
		for _, m := range h.parent.snapshot() {
			if strings.Contains(m, "子任务对话回复") && strings.Contains(m, "chat reply") {
				return true
			}
		}
		return false
	})

	task, _ := h.runner.GetTask(id)
	if task.Status != StatusCompleted {
		t.Errorf("expected task to settle back to completed, got %s", task.Status)
	}
	if !task.AgentAlive {
		t.Error("expected agent to remain alive after a successful chat re-entry")
	}
}

func TestChatAsyncFailsWhenAgentNotAlive(t *testing.T) {
	h := newHarness(Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 100, DefaultMaxSteps: 100, SandboxKeepAliveMs: 100_000, AgentKeepAliveMs: 100_000}, nil, nil)

	if _, err := h.runner.ChatAsync("does-not-exist", "hi"); err == nil {
		t.Fatal("expected ChatAsync on an unknown task to error")
	}
}
