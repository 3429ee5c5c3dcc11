package bgtask

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/injectionqueue"
	"github.com/fluxworks/taskrunner/internal/lifecycle"
	"github.com/fluxworks/taskrunner/internal/logging"
	"github.com/fluxworks/taskrunner/internal/permission"
	"github.com/fluxworks/taskrunner/internal/progress"
	"github.com/fluxworks/taskrunner/internal/sandbox"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// Options configures scheduler defaults, per §6.5.
type Options struct {
	MaxConcurrent        int
	DefaultIdleTimeoutMs int
	DefaultMaxToolCalls  int
	DefaultMaxSteps      int
	SandboxKeepAliveMs   int
	AgentKeepAliveMs     int
}

// DefaultOptions returns the configuration defaults named in §6.5.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:        5,
		DefaultIdleTimeoutMs: 120_000,
		DefaultMaxToolCalls:  200,
		DefaultMaxSteps:      50,
		SandboxKeepAliveMs:   1_800_000,
		AgentKeepAliveMs:     1_800_000,
	}
}

// AgentFactory builds the sub-agent runtime for a freshly dispatched task.
type AgentFactory func(task Task) (agentiface.Agent, error)

// taskState is the runtime-only half of a task: the parts that exist only
// while the process is alive and are never serialized to a reader's
// snapshot.
type taskState struct {
	task Task

	sandboxKind string
	agent       agentiface.Agent

	pendingMessage *string

	idleTimer             *time.Timer
	agentKeepAliveTimer   *time.Timer
	sandboxKeepAliveTimer *time.Timer
}

// Runner is BgTaskRunner: the core scheduler and lifecycle manager.
// Mutable state is guarded by a single mutex, per the cooperative-concurrent
// model described for this component — one decision thread, many
// logically-parallel activities.
type Runner struct {
	mu sync.Mutex

	opts Options

	tasks   map[string]*taskState
	pending []*taskState
	nextSeq uint64

	// sem gates how many tasks may be StatusRunning at once. A counting
	// mutex would do the same job; this is the teacher's actual concurrency
	// primitive for this kind of bound, so the scheduler uses it too.
	sem *semaphore.Weighted

	agentFactory    AgentFactory
	sandboxes       *sandbox.Factory
	sandboxRegistry map[string]agentiface.Sandbox

	injections *injectionqueue.Queue
	bus        *ssebus.Bus
	progress   *progress.Tracker
	permission *permission.Bridge
}

// New builds a Runner wired to its collaborators.
func New(
	opts Options,
	agentFactory AgentFactory,
	sandboxes *sandbox.Factory,
	injections *injectionqueue.Queue,
	bus *ssebus.Bus,
	progressTracker *progress.Tracker,
	permissionBridge *permission.Bridge,
) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	return &Runner{
		opts:            opts,
		tasks:           make(map[string]*taskState),
		sem:             semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		agentFactory:    agentFactory,
		sandboxes:       sandboxes,
		sandboxRegistry: make(map[string]agentiface.Sandbox),
		injections:      injections,
		bus:             bus,
		progress:        progressTracker,
		permission:      permissionBridge,
	}
}

// RedoResultTruncateLimit bounds the previous-result text folded into a
// redo's composed prompt, per §6.5.
const RedoResultTruncateLimit = 2000

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...[truncated]"
}

func isActive(s Status) bool { return s == StatusRunning }

func nowMs() int64 { return time.Now().UnixMilli() }

// Start creates a task with status=queued, enqueues it, and triggers a
// drain. It never blocks on running capacity.
func (r *Runner) Start(templateID, prompt, description string, opts StartOptions) string {
	return r.startInternal(templateID, prompt, description, opts, 0, nil)
}

func (r *Runner) startInternal(templateID, prompt, description string, opts StartOptions, retryCount int, redoHistory []string) string {
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	sandboxKind := opts.SandboxKind
	if sandboxKind == "" {
		sandboxKind = "local"
	}

	r.mu.Lock()
	id := uuid.NewString()
	seq := r.nextSeq
	r.nextSeq++
	ts := &taskState{
		task: Task{
			ID:             id,
			TemplateID:     templateID,
			Description:    description,
			Status:         StatusQueued,
			Priority:       priority,
			Prompt:         prompt,
			Skills:         opts.Skills,
			RetryCount:     retryCount,
			RedoHistory:    redoHistory,
			ResourceLimits: opts.ResourceLimits,
			seq:            seq,
		},
		sandboxKind: sandboxKind,
	}
	r.tasks[id] = ts
	r.pending = append(r.pending, ts)
	sortPending(r.pending)
	r.mu.Unlock()

	r.emitPhase(id, StatusQueued)
	go r.drain()
	return id
}

func sortPending(pending []*taskState) {
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].task.Priority.rank() < pending[j].task.Priority.rank()
	})
}

// drain promotes queued tasks into running while capacity allows. It is
// safe to call whenever capacity may have changed (on Start and on every
// task termination).
func (r *Runner) drain() {
	r.mu.Lock()
	var toStart []*taskState
	for len(r.pending) > 0 && r.sem.TryAcquire(1) {
		ts := r.pending[0]
		r.pending = r.pending[1:]
		ts.task.Status = StatusRunning
		ts.task.StartTime = nowMs()
		ts.task.LastActivityTime = ts.task.StartTime
		toStart = append(toStart, ts)
	}
	r.mu.Unlock()

	for _, ts := range toStart {
		r.emitPhase(ts.task.ID, StatusRunning)
		lifecycle.Emit(lifecycle.EventTaskStarted, ts.task.ID)
		go r.runTask(ts)
	}
}

// Cancel cancels a queued or running task. Returns false for any other
// status.
func (r *Runner) Cancel(taskID, reason string) bool {
	r.mu.Lock()
	ts, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	switch ts.task.Status {
	case StatusQueued:
		for i, p := range r.pending {
			if p.task.ID == taskID {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		ts.task.Status = StatusCancelled
		ts.task.CancelReason = reason
		r.mu.Unlock()

		r.emitPhase(taskID, StatusCancelled)
		lifecycle.Emit(lifecycle.EventTaskTerminal, taskID)
		r.injections.Enqueue(injectionqueue.Item{
			Type:    injectionqueue.TypeTaskCancelled,
			TaskID:  taskID,
			Message: injectionqueue.ComposeTaskCancelled(taskID, ts.task.TemplateID, ts.task.Description, reason),
		})
		return true

	case StatusRunning:
		ts.task.Status = StatusCancelled
		ts.task.CancelReason = reason
		agent := ts.agent
		r.mu.Unlock()

		r.emitPhase(taskID, StatusCancelled)
		if agent != nil {
			agent.Interrupt(reason)
		}
		return true

	default:
		r.mu.Unlock()
		return false
	}
}

// SendMessage stashes instruction as the next pause-loop input and
// interrupts the sub-agent so it picks it up. Valid only for running tasks.
func (r *Runner) SendMessage(taskID, instruction string) bool {
	r.mu.Lock()
	ts, ok := r.tasks[taskID]
	if !ok || ts.task.Status != StatusRunning {
		r.mu.Unlock()
		return false
	}
	msg := instruction
	ts.pendingMessage = &msg
	agent := ts.agent
	r.mu.Unlock()

	if agent != nil {
		agent.Interrupt("steer: new instruction queued")
	}
	return true
}

// ChatAsync re-enters a kept-alive agent with message, in the background.
// Only valid while the task's agent is in its keep-alive window.
func (r *Runner) ChatAsync(taskID, message string) (bool, error) {
	r.mu.Lock()
	ts, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false, &NotFoundError{Resource: "task", ID: taskID}
	}
	if !ts.task.AgentAlive || ts.agent == nil {
		status := ts.task.Status
		r.mu.Unlock()
		return false, &StateError{Status: status, Action: "对话（agent 不在存活窗口内）"}
	}

	restoreStatus := ts.task.Status
	ts.task.ChatInFlight = true
	ts.task.Status = StatusRunning
	agent := ts.agent
	r.mu.Unlock()

	r.emitPhase(taskID, StatusRunning)
	go r.runChat(ts, agent, message, restoreStatus)
	return true, nil
}

func (r *Runner) runChat(ts *taskState, agent agentiface.Agent, message string, restoreStatus Status) {
	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	if events, err := agent.Subscribe(monitorCtx); err == nil {
		go r.watch(ts, events)
	}

	result, err := agent.Complete(context.Background(), message)

	r.mu.Lock()
	ts.task.ChatInFlight = false
	ts.task.Status = restoreStatus
	taskID := ts.task.ID
	templateID := ts.task.TemplateID
	r.mu.Unlock()

	r.startAgentKeepAlive(ts)
	r.emitPhase(taskID, restoreStatus)

	var item injectionqueue.Item
	if err != nil {
		item = injectionqueue.Item{
			Type:    injectionqueue.TypeChatFailed,
			TaskID:  taskID,
			Message: injectionqueue.ComposeChatFailed(taskID, templateID, err.Error()),
		}
	} else {
		item = injectionqueue.Item{
			Type:    injectionqueue.TypeChatResult,
			TaskID:  taskID,
			Message: injectionqueue.ComposeChatResult(taskID, templateID, result.Text),
		}
	}
	r.injections.Enqueue(item)
}

// DisposeSandbox tears down the sandbox owned by taskID, if any. Idempotent:
// a second call returns false without side effects.
func (r *Runner) DisposeSandbox(taskID string) bool {
	r.mu.Lock()
	sb, ok := r.sandboxRegistry[taskID]
	if ok {
		delete(r.sandboxRegistry, taskID)
	}
	ts := r.tasks[taskID]
	if ts != nil && ts.sandboxKeepAliveTimer != nil {
		ts.sandboxKeepAliveTimer.Stop()
		ts.sandboxKeepAliveTimer = nil
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := sb.Dispose(context.Background()); err != nil {
		logging.Errorf("[bgtask] dispose sandbox for task %s: %v", taskID, err)
	}
	if ts != nil {
		r.mu.Lock()
		ts.task.SandboxAlive = false
		r.mu.Unlock()
	}
	return true
}

// DisposeAgent releases the kept-alive agent for taskID, if any. Idempotent.
func (r *Runner) DisposeAgent(taskID string) {
	r.mu.Lock()
	ts, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ts.agent = nil
	ts.task.AgentAlive = false
	if ts.agentKeepAliveTimer != nil {
		ts.agentKeepAliveTimer.Stop()
		ts.agentKeepAliveTimer = nil
	}
	r.mu.Unlock()
}

// GetTask returns a snapshot of one task.
func (r *Runner) GetTask(taskID string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return ts.task.Clone(), true
}

// GetAllTasks returns every task BgTaskRunner has ever seen, in no
// particular order.
func (r *Runner) GetAllTasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, ts := range r.tasks {
		out = append(out, ts.task.Clone())
	}
	return out
}

// GetActiveTasks returns every task currently running.
func (r *Runner) GetActiveTasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, ts := range r.tasks {
		if ts.task.Status == StatusRunning {
			out = append(out, ts.task.Clone())
		}
	}
	return out
}

// GetQueuedTasks returns queued tasks in dispatch order.
func (r *Runner) GetQueuedTasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.pending))
	for _, ts := range r.pending {
		out = append(out, ts.task.Clone())
	}
	return out
}

// Forget removes a terminal task's record entirely. It is not part of the
// ordinary task lifecycle API: the only caller is the opt-in retention
// sweep (internal/retention). Returns false for an unknown or non-terminal
// task, leaving it untouched.
func (r *Runner) Forget(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tasks[taskID]
	if !ok || isActive(ts.task.Status) || ts.task.Status == StatusQueued {
		return false
	}
	delete(r.tasks, taskID)
	return true
}

func (r *Runner) emitPhase(taskID string, status Status) {
	r.bus.Send(ssebus.Event{
		Type: ssebus.TypePhase,
		Data: map[string]any{"taskId": taskID, "status": string(status)},
	})
}

func (r *Runner) maxToolCallsFor(rl ResourceLimits) int {
	if rl.MaxToolCalls != nil {
		return *rl.MaxToolCalls
	}
	return r.opts.DefaultMaxToolCalls
}

func (r *Runner) maxStepsFor(rl ResourceLimits) int {
	if rl.MaxSteps != nil {
		return *rl.MaxSteps
	}
	return r.opts.DefaultMaxSteps
}

func (r *Runner) idleTimeoutMsFor(rl ResourceLimits) int {
	if rl.IdleTimeoutMs != nil {
		return *rl.IdleTimeoutMs
	}
	return r.opts.DefaultIdleTimeoutMs
}

// runTask drives one task's sub-agent from dispatch to termination: sandbox
// creation, monitor watchdogs, the pause-loop, and finally result injection.
// A sub-agent must never crash the scheduler process.
func (r *Runner) runTask(ts *taskState) {
	taskID := ts.task.ID

	defer func() {
		if rec := recover(); rec != nil {
			logging.Errorf("[bgtask] panic in task %s: %v", taskID, rec)
			r.finishTask(ts, StatusFailed, fmt.Sprintf("panic: %v", rec), "")
		}
	}()

	logging.Infof("[bgtask] starting task %s (%s)", taskID, ts.task.Description)
	if r.progress != nil {
		r.progress.Start(taskID, "running")
	}

	sb, err := r.sandboxes.Create(context.Background(), ts.sandboxKind, taskID)
	if err != nil {
		r.finishTask(ts, StatusFailed, fmt.Sprintf("sandbox create: %v", err), "")
		return
	}
	r.mu.Lock()
	r.sandboxRegistry[taskID] = sb
	r.mu.Unlock()

	agent, err := r.agentFactory(ts.task.Clone())
	if err != nil {
		r.finishTask(ts, StatusFailed, fmt.Sprintf("agent create: %v", err), "")
		return
	}
	r.mu.Lock()
	ts.agent = agent
	r.mu.Unlock()

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	if events, err := agent.Subscribe(monitorCtx); err == nil {
		go r.watch(ts, events)
	}

	r.resetIdleTimer(ts)
	defer r.stopIdleTimer(ts)

	input := fmt.Sprintf("[task:%s]\n%s", taskID, ts.task.Prompt)
	var finalText string
	var runErr error

	for {
		result, cerr := agent.Complete(context.Background(), input)
		if cerr != nil {
			runErr = cerr
			break
		}

		r.mu.Lock()
		status := ts.task.Status
		r.mu.Unlock()
		if status == StatusCancelled || status == StatusFailed {
			finalText = result.Text
			break
		}
		if result.Status == agentiface.StatusOK {
			finalText = result.Text
			break
		}

		r.mu.Lock()
		refuel := ts.pendingMessage
		ts.pendingMessage = nil
		r.mu.Unlock()
		if refuel != nil {
			input = *refuel
			continue
		}
		finalText = result.Text
		break
	}

	r.mu.Lock()
	status := ts.task.Status
	errText := ts.task.Error
	cancelReason := ts.task.CancelReason
	r.mu.Unlock()

	if status == StatusCancelled {
		r.finishTask(ts, StatusCancelled, "", cancelReason)
		return
	}
	if status == StatusFailed {
		r.finishTask(ts, StatusFailed, errText, "")
		return
	}
	if runErr != nil {
		r.finishTask(ts, StatusFailed, runErr.Error(), "")
		return
	}

	r.mu.Lock()
	ts.task.Result = finalText
	r.mu.Unlock()
	r.finishTask(ts, StatusCompleted, "", "")
}

// watch consumes the sub-agent's monitor stream and enforces the watchdogs
// described in §4.1: tool-call and step caps, idle-timer resets, token
// accounting, permission routing, and context-compression notices.
func (r *Runner) watch(ts *taskState, events <-chan agentiface.MonitorEvent) {
	for ev := range events {
		switch ev.Kind {
		case agentiface.MonitorToolExecuted:
			r.onActivity(ts)
			r.mu.Lock()
			ts.task.ResourceUsage.ToolCalls++
			limit := r.maxToolCallsFor(ts.task.ResourceLimits)
			exceeded := ts.task.ResourceUsage.ToolCalls >= limit && isActive(ts.task.Status)
			if exceeded {
				ts.task.Status = StatusFailed
				ts.task.Error = "maxToolCalls limit"
			}
			agent := ts.agent
			r.mu.Unlock()
			if exceeded && agent != nil {
				agent.Interrupt("resource limit: maxToolCalls")
			}

		case agentiface.MonitorStepComplete:
			r.onActivity(ts)
			r.mu.Lock()
			ts.task.ResourceUsage.Steps++
			limit := r.maxStepsFor(ts.task.ResourceLimits)
			exceeded := ts.task.ResourceUsage.Steps >= limit && isActive(ts.task.Status)
			if exceeded {
				ts.task.Status = StatusFailed
				ts.task.Error = "maxSteps limit"
			}
			agent := ts.agent
			r.mu.Unlock()
			if exceeded && agent != nil {
				agent.Interrupt("resource limit: maxSteps")
			}

		case agentiface.MonitorTokenUsage:
			r.onActivity(ts)
			r.mu.Lock()
			ts.task.ResourceUsage.TotalTokens += ev.TokenDelta
			r.mu.Unlock()

		case agentiface.MonitorPermissionRequired:
			r.onActivity(ts)
			if r.permission == nil {
				if ev.Respond != nil {
					ev.Respond("deny", "no permission bridge configured")
				}
				continue
			}
			r.mu.Lock()
			sb := r.sandboxRegistry[ts.task.ID]
			r.mu.Unlock()
			isolated := false
			if iso, ok := sb.(agentiface.Isolator); ok {
				isolated = iso.Isolated()
			}
			r.permission.Handle(ts.task.ID, isolated, ev)

		case agentiface.MonitorContextCompression:
			r.onActivity(ts)
			r.bus.Send(ssebus.Event{
				Type: ssebus.TypePhase,
				Data: map[string]any{
					"taskId":             ts.task.ID,
					"phase":              ev.Phase,
					"compressedMessages": ev.CompressedMessages,
					"summary":            ev.Summary,
				},
			})
		}
	}
}

func (r *Runner) onActivity(ts *taskState) {
	r.mu.Lock()
	ts.task.LastActivityTime = nowMs()
	r.mu.Unlock()
	r.resetIdleTimer(ts)
}

func (r *Runner) resetIdleTimer(ts *taskState) {
	idleMs := r.idleTimeoutMsFor(ts.task.ResourceLimits)
	r.mu.Lock()
	if ts.idleTimer != nil {
		ts.idleTimer.Stop()
	}
	ts.idleTimer = time.AfterFunc(time.Duration(idleMs)*time.Millisecond, func() {
		r.onIdleTimeout(ts, idleMs)
	})
	r.mu.Unlock()
}

func (r *Runner) stopIdleTimer(ts *taskState) {
	r.mu.Lock()
	if ts.idleTimer != nil {
		ts.idleTimer.Stop()
		ts.idleTimer = nil
	}
	r.mu.Unlock()
}

func (r *Runner) onIdleTimeout(ts *taskState, idleMs int) {
	r.mu.Lock()
	if !isActive(ts.task.Status) {
		r.mu.Unlock()
		return
	}
	ts.task.Status = StatusFailed
	ts.task.Error = fmt.Sprintf("idle timeout: no activity for %ds", idleMs/1000)
	agent := ts.agent
	r.mu.Unlock()
	if agent != nil {
		agent.Interrupt("idle timeout")
	}
}

var sandboxPreviewRe = regexp.MustCompile(`\[sandbox-preview\]\(([^)]+)\)`)

// parseSandboxPreview extracts a [sandbox-preview](URL) marker from text,
// filtering URLs whose host part (after an optional http:// or https://
// scheme) starts with "localhost" per B4.
func parseSandboxPreview(text string) (string, bool) {
	m := sandboxPreviewRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	url := m[1]
	host := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	if strings.HasPrefix(host, "localhost") {
		return "", false
	}
	return url, true
}

func (r *Runner) handleSandboxPreview(ts *taskState, resultText string) {
	taskID := ts.task.ID
	url, ok := parseSandboxPreview(resultText)
	if !ok {
		r.DisposeSandbox(taskID)
		return
	}
	r.mu.Lock()
	ts.task.SandboxURL = url
	ts.task.SandboxAlive = true
	r.mu.Unlock()

	keepAliveMs := r.opts.SandboxKeepAliveMs
	ts.sandboxKeepAliveTimer = time.AfterFunc(time.Duration(keepAliveMs)*time.Millisecond, func() {
		r.DisposeSandbox(taskID)
	})
}

func (r *Runner) startAgentKeepAlive(ts *taskState) {
	taskID := ts.task.ID
	r.mu.Lock()
	ts.task.AgentAlive = true
	if ts.agentKeepAliveTimer != nil {
		ts.agentKeepAliveTimer.Stop()
	}
	r.mu.Unlock()

	ts.agentKeepAliveTimer = time.AfterFunc(time.Duration(r.opts.AgentKeepAliveMs)*time.Millisecond, func() {
		r.DisposeAgent(taskID)
	})
}

// finishTask records a terminal status, updates the task record before
// enqueuing the injection (so downstream handlers see consistent state),
// handles sandbox/agent disposal or keep-alive, and drains the next queued
// task.
func (r *Runner) finishTask(ts *taskState, status Status, errText, cancelReason string) {
	taskID := ts.task.ID

	r.mu.Lock()
	ts.task.Status = status
	if errText != "" {
		ts.task.Error = errText
	}
	if cancelReason != "" {
		ts.task.CancelReason = cancelReason
	}
	r.sem.Release(1)
	description := ts.task.Description
	templateID := ts.task.TemplateID
	resultText := ts.task.Result
	r.mu.Unlock()

	r.stopIdleTimer(ts)
	if r.progress != nil {
		r.progress.Finish(taskID)
	}

	var item injectionqueue.Item
	switch status {
	case StatusCompleted:
		item = injectionqueue.Item{
			Type:    injectionqueue.TypeTaskResult,
			TaskID:  taskID,
			Message: injectionqueue.ComposeTaskResult(taskID, templateID, description, resultText),
		}
		r.handleSandboxPreview(ts, resultText)
		r.startAgentKeepAlive(ts)
	case StatusFailed:
		item = injectionqueue.Item{
			Type:    injectionqueue.TypeTaskFailed,
			TaskID:  taskID,
			Message: injectionqueue.ComposeTaskFailed(taskID, templateID, description, errText),
		}
		r.DisposeSandbox(taskID)
		r.DisposeAgent(taskID)
	case StatusCancelled:
		item = injectionqueue.Item{
			Type:    injectionqueue.TypeTaskCancelled,
			TaskID:  taskID,
			Message: injectionqueue.ComposeTaskCancelled(taskID, templateID, description, cancelReason),
		}
		r.DisposeSandbox(taskID)
		r.DisposeAgent(taskID)
	}

	r.emitPhase(taskID, status)
	lifecycle.Emit(lifecycle.EventTaskTerminal, taskID)
	r.injections.Enqueue(item)
	r.drain()
}
