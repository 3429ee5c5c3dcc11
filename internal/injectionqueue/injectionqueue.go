// Package injectionqueue implements InjectionQueue: the serialized channel
// through which a finished sub-task (or a background chat turn) reports
// back into the parent agent's conversation. Grounded on the teacher's
// internal/realtime/chat.go message-send-then-stream-reply loop, generalized
// from "user sends a chat message" to "scheduler injects a synthetic one",
// and on internal/agenthub.Hub's non-reentrant drain-loop shape for the
// processor itself.
package injectionqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/chatlock"
	"github.com/fluxworks/taskrunner/internal/logging"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// ResultTruncateLimit bounds injected result text, per §4.2. Task.Result
// itself is never truncated — only the composed injection message.
const ResultTruncateLimit = 4000

// ItemType tags the kind of synthetic message being injected.
type ItemType string

const (
	TypeTaskResult    ItemType = "task_result"
	TypeTaskFailed    ItemType = "task_failed"
	TypeTaskCancelled ItemType = "task_cancelled"
	TypeChatResult    ItemType = "chat_result"
	TypeChatFailed    ItemType = "chat_failed"
)

// Item is one pending injection.
type Item struct {
	Type    ItemType
	TaskID  string
	Message string
}

// Parent is the subset of the parent agent the queue drives.
type Parent interface {
	ChatStream(ctx context.Context, message string) (<-chan agentiface.StreamEvent, error)
}

// Queue serializes injections behind ChatLock and streams the parent's
// reaction out over the SSE bus.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	processing bool

	lock   *chatlock.ChatLock
	bus    *ssebus.Bus
	parent Parent
}

// New builds a Queue.
func New(lock *chatlock.ChatLock, bus *ssebus.Bus, parent Parent) *Queue {
	return &Queue{lock: lock, bus: bus, parent: parent}
}

// Enqueue appends item and kicks the processor if it isn't already running.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	start := !q.processing
	if start {
		q.processing = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		ctx := context.Background()
		if err := q.lock.Acquire(ctx); err != nil {
			logging.Errorf("[injectionqueue] acquire chatlock for task %s: %v", item.TaskID, err)
			continue
		}
		func() {
			defer q.lock.Release()
			if err := q.injectAndStream(ctx, item); err != nil {
				logging.Errorf("[injectionqueue] inject task %s: %v", item.TaskID, err)
			}
		}()
	}
}

func (q *Queue) injectAndStream(ctx context.Context, item Item) error {
	q.bus.Send(ssebus.Event{
		Type: ssebus.TypeOrchestratorStart,
		Data: map[string]any{"taskId": item.TaskID, "reason": string(item.Type)},
	})

	events, err := q.parent.ChatStream(ctx, item.Message)
	if err != nil {
		q.bus.Send(ssebus.Event{
			Type: ssebus.TypeOrchestratorDone,
			Data: map[string]any{"taskId": item.TaskID, "error": err.Error()},
		})
		return err
	}

	for ev := range events {
		q.forward(item.TaskID, ev)
	}

	q.bus.Send(ssebus.Event{
		Type: ssebus.TypeOrchestratorDone,
		Data: map[string]any{"taskId": item.TaskID},
	})
	return nil
}

func (q *Queue) forward(taskID string, ev agentiface.StreamEvent) {
	switch ev.Kind {
	case agentiface.KindTextChunkStart, agentiface.KindTextChunk:
		q.bus.Send(ssebus.Event{Type: ssebus.TypeOrchestratorText, Data: map[string]any{"taskId": taskID, "delta": ev.Delta}})
	case agentiface.KindThinkChunkStart, agentiface.KindThinkChunk:
		q.bus.Send(ssebus.Event{Type: ssebus.TypeThinking, Data: map[string]any{"taskId": taskID, "delta": ev.Delta}})
	case agentiface.KindToolStart:
		q.bus.Send(ssebus.Event{Type: ssebus.TypeToolStart, Data: map[string]any{"taskId": taskID, "call": ev.Call}})
	case agentiface.KindToolEnd:
		q.bus.Send(ssebus.Event{Type: ssebus.TypeToolEnd, Data: map[string]any{"taskId": taskID, "call": ev.Call}})
	case agentiface.KindToolError:
		q.bus.Send(ssebus.Event{Type: ssebus.TypeToolError, Data: map[string]any{"taskId": taskID, "call": ev.Call, "error": ev.Error}})
	case agentiface.KindDone:
		// orchestrator_done is sent by injectAndStream once the channel closes.
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n...[truncated, %d more characters]", len(s)-limit)
}

// ComposeTaskResult builds the "[子任务完成]" injection message per §4.2.
func ComposeTaskResult(taskID, agentName, description, result string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[子任务完成] taskId=%s, agent=%s\n描述: %s\n交付物:\n%s", taskID, agentName, description, truncate(result, ResultTruncateLimit))
	return b.String()
}

// ComposeTaskFailed builds the task-failure injection message.
func ComposeTaskFailed(taskID, agentName, description, errText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[子任务失败] taskId=%s, agent=%s\n描述: %s\n错误:\n%s", taskID, agentName, description, truncate(errText, ResultTruncateLimit))
	return b.String()
}

// ComposeTaskCancelled builds the task-cancellation injection message.
// cancelReason falls back to "cancelled by orchestrator" when empty.
func ComposeTaskCancelled(taskID, agentName, description, cancelReason string) string {
	if cancelReason == "" {
		cancelReason = "cancelled by orchestrator"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[子任务已取消] taskId=%s, agent=%s\n描述: %s\n原因: %s", taskID, agentName, description, cancelReason)
	return b.String()
}

// ComposeChatResult builds the "[子任务对话回复]" injection message for a
// background chatAsync turn that completed normally.
func ComposeChatResult(taskID, agentName, result string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[子任务对话回复] taskId=%s, agent=%s\n回复:\n%s", taskID, agentName, truncate(result, ResultTruncateLimit))
	return b.String()
}

// ComposeChatFailed builds the background-chat-turn failure message.
func ComposeChatFailed(taskID, agentName, errText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[子任务对话失败] taskId=%s, agent=%s\n错误:\n%s", taskID, agentName, truncate(errText, ResultTruncateLimit))
	return b.String()
}
