// Package server implements the thin HTTP/SSE boundary described in §6.4:
// chi routes that parse requests, dispatch to the core components, and map
// results through httputil. No business logic lives here.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/chatlock"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// HistoryEntry is one turn of the parent conversation, user or assistant.
type HistoryEntry struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
	At   int64  `json:"at"` // ms since epoch
}

// Conversation wraps the parent orchestrator agent: every streaming turn,
// whether a direct user message or an InjectionQueue delivery, passes
// through the same ChatLock and is recorded into the same history, per
// spec §1's "ChatLock guarantees at-most-one concurrent streaming turn...
// user turn or injected result, never both."
type Conversation struct {
	mu      sync.Mutex
	history []HistoryEntry

	agent agentiface.Agent
	lock  *chatlock.ChatLock
	bus   *ssebus.Bus

	nowMs func() int64
}

// NewConversation builds a Conversation around the given parent agent.
func NewConversation(agent agentiface.Agent, lock *chatlock.ChatLock, bus *ssebus.Bus) *Conversation {
	return &Conversation{agent: agent, lock: lock, bus: bus, nowMs: func() int64 { return time.Now().UnixMilli() }}
}

func (c *Conversation) record(role, text string) {
	c.mu.Lock()
	c.history = append(c.history, HistoryEntry{Role: role, Text: text, At: c.nowMs()})
	c.mu.Unlock()
}

// History returns the last n entries (all of them if n <= 0).
func (c *Conversation) History(n int) []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n >= len(c.history) {
		out := make([]HistoryEntry, len(c.history))
		copy(out, c.history)
		return out
	}
	out := make([]HistoryEntry, n)
	copy(out, c.history[len(c.history)-n:])
	return out
}

// ChatStream implements injectionqueue.Parent: InjectionQueue calls this
// under its own ChatLock acquire/release, so it does not acquire the lock
// itself here — it only records history and lets the queue do the SSE
// forwarding (orchestrator_* event types).
func (c *Conversation) ChatStream(ctx context.Context, message string) (<-chan agentiface.StreamEvent, error) {
	c.record("user", message)
	events, err := c.agent.ChatStream(ctx, message)
	if err != nil {
		return nil, err
	}
	out := make(chan agentiface.StreamEvent)
	go func() {
		defer close(out)
		var final string
		for ev := range events {
			if ev.Kind == agentiface.KindTextChunk {
				final += ev.Delta
			}
			out <- ev
		}
		if final != "" {
			c.record("assistant", final)
		}
	}()
	return out, nil
}

// UserChat runs a direct user-initiated turn: it acquires ChatLock itself
// (there is no InjectionQueue wrapper for this path), streams the parent's
// reaction onto the SSE bus under the "text"/"thinking"/"tool_*" event
// types, and returns once the turn completes.
func (c *Conversation) UserChat(ctx context.Context, message string) error {
	if err := c.lock.Acquire(ctx); err != nil {
		return err
	}
	defer c.lock.Release()

	c.record("user", message)
	events, err := c.agent.ChatStream(ctx, message)
	if err != nil {
		c.bus.Send(ssebus.Event{Type: ssebus.TypeError, Data: map[string]any{"error": err.Error()}})
		return err
	}

	var final string
	for ev := range events {
		switch ev.Kind {
		case agentiface.KindTextChunkStart, agentiface.KindTextChunk:
			final += ev.Delta
			c.bus.Send(ssebus.Event{Type: ssebus.TypeText, Data: map[string]any{"delta": ev.Delta}})
		case agentiface.KindThinkChunkStart, agentiface.KindThinkChunk:
			c.bus.Send(ssebus.Event{Type: ssebus.TypeThinking, Data: map[string]any{"delta": ev.Delta}})
		case agentiface.KindToolStart:
			c.bus.Send(ssebus.Event{Type: ssebus.TypeToolStart, Data: map[string]any{"call": ev.Call}})
		case agentiface.KindToolEnd:
			c.bus.Send(ssebus.Event{Type: ssebus.TypeToolEnd, Data: map[string]any{"call": ev.Call}})
		case agentiface.KindToolError:
			c.bus.Send(ssebus.Event{Type: ssebus.TypeToolError, Data: map[string]any{"call": ev.Call, "error": ev.Error}})
		}
	}
	c.bus.Send(ssebus.Event{Type: ssebus.TypeDone, Data: map[string]any{}})
	if final != "" {
		c.record("assistant", final)
	}
	return nil
}
