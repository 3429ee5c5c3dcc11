// Package agentiface declares the external collaborators BgTaskRunner drives
// but does not implement: the sub-agent runtime and the sandbox it executes
// in. Both are black boxes by design — the runner only needs their shape.
package agentiface

import (
	"context"
	"encoding/json"
)

// CompleteStatus is the outcome of a single Agent.Complete call.
type CompleteStatus string

const (
	StatusOK     CompleteStatus = "ok"
	StatusPaused CompleteStatus = "paused"
)

// CompleteResult is the return value of Agent.Complete.
type CompleteResult struct {
	Status CompleteStatus
	Text   string
}

// ToolCall describes a single tool invocation surfaced by the agent runtime.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// StreamKind tags a StreamEvent emitted by Agent.ChatStream.
type StreamKind string

const (
	KindTextChunkStart  StreamKind = "text_chunk_start"
	KindTextChunk       StreamKind = "text_chunk"
	KindThinkChunkStart StreamKind = "think_chunk_start"
	KindThinkChunk      StreamKind = "think_chunk"
	KindToolStart       StreamKind = "tool:start"
	KindToolEnd         StreamKind = "tool:end"
	KindToolError       StreamKind = "tool:error"
	KindDone            StreamKind = "done"
)

// StreamEvent is one envelope of the Agent.ChatStream async stream. Only the
// fields relevant to Kind are populated; this mirrors the closed sum type
// described for the runtime's dynamic event payloads.
type StreamEvent struct {
	Kind   StreamKind
	Delta  string
	Call   *ToolCall
	Error  string
	Reason string
}

// MonitorKind tags a MonitorEvent delivered via Agent.Subscribe.
type MonitorKind string

const (
	MonitorToolExecuted       MonitorKind = "tool_executed"
	MonitorStepComplete       MonitorKind = "step_complete"
	MonitorTokenUsage         MonitorKind = "token_usage"
	MonitorPermissionRequired MonitorKind = "permission_required"
	MonitorContextCompression MonitorKind = "context_compression"
)

// MonitorEvent is one envelope of the Agent.Subscribe monitor stream.
type MonitorEvent struct {
	Kind MonitorKind

	// MonitorToolExecuted / MonitorPermissionRequired
	Call *ToolCall

	// MonitorPermissionRequired: invoked by the permission bridge with the
	// human (or auto-) decision. note is an optional audit string.
	Respond func(decision string, note string)

	// MonitorTokenUsage
	TokenDelta int64

	// MonitorContextCompression
	Phase              string
	CompressedMessages int
	Summary            string
}

// Agent is the sub-agent runtime contract. Implementations are supplied by
// the caller; BgTaskRunner only drives this interface.
type Agent interface {
	// Complete runs a single-shot turn. It may return StatusPaused if the
	// turn was interrupted before producing a final answer.
	Complete(ctx context.Context, input string) (CompleteResult, error)

	// ChatStream runs a streaming turn, used for the parent orchestrator's
	// injected-result reaction and for user-initiated chat.
	ChatStream(ctx context.Context, input string) (<-chan StreamEvent, error)

	// Interrupt requests the agent pause at the next safe point. note is an
	// optional human-readable reason surfaced to the agent runtime.
	Interrupt(note string)

	// Subscribe returns a channel of monitor events for the lifetime of ctx.
	Subscribe(ctx context.Context) (<-chan MonitorEvent, error)
}

// Sandbox is the required subset of the sandbox contract.
type Sandbox interface {
	Kind() string
	Dispose(ctx context.Context) error
}

// Execer is implemented by sandboxes that can run shell commands.
type Execer interface {
	Exec(ctx context.Context, cmd string) (string, error)
}

// PreviewCapable is implemented by sandboxes that can publish an HTTP
// preview URL for a given port (remote/isolated sandboxes only).
type PreviewCapable interface {
	GetHostURL(ctx context.Context, port int) (string, error)
}

// Isolator is implemented by sandboxes that run fully isolated from the
// host (remote VMs); the permission bridge auto-allows tool calls inside
// these without consulting SafeCommandPolicy.
type Isolator interface {
	Isolated() bool
}
