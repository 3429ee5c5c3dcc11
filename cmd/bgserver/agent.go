package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/bgtask"
)

// cliAgent wraps an external agentic CLI tool (claude, codex, gemini, ...)
// as an agentiface.Agent: the orchestration service treats the model and
// its tool loop as a subprocess speaking line-delimited JSON on stdout. Tool
// calls the CLI reports are translated into MonitorEvents on the Subscribe
// channel, so BgTaskRunner's watch() loop actually enforces maxToolCalls
// and routes permission prompts through the permission bridge instead of
// the CLI auto-approving everything itself. No step events are emitted, so
// maxSteps is not enforced for this agent.
type cliAgent struct {
	command string
	args    []string

	mu      sync.Mutex
	running *exec.Cmd
	stdin   io.WriteCloser

	monitorOnce sync.Once
	monitorCh   chan agentiface.MonitorEvent
}

func newCLIAgent(command string, args []string) *cliAgent {
	return &cliAgent{command: command, args: args}
}

// newParentAgent builds the single long-lived parent conversation agent
// driving the orchestrator loop (/api/chat, injected results).
func newParentAgent() (agentiface.Agent, error) {
	return newCLIAgent(agentCommand(), agentArgs()), nil
}

// newSubAgentFactory builds a bgtask.AgentFactory: one cliAgent subprocess
// per background task, so tasks don't share process state or context.
func newSubAgentFactory() bgtask.AgentFactory {
	return func(task bgtask.Task) (agentiface.Agent, error) {
		return newCLIAgent(agentCommand(), agentArgs()), nil
	}
}

func agentCommand() string {
	if c := envOr("BGSERVER_AGENT_COMMAND", ""); c != "" {
		return c
	}
	return "claude"
}

// agentArgs deliberately omits any skip-permissions flag: the CLI is left to
// prompt for each tool call, and those prompts are routed through Subscribe
// to BgTaskRunner's watch() loop and from there to the permission bridge, so
// ApprovalManager/SafeCommandPolicy actually gate real tool calls.
func agentArgs() []string {
	return []string{"--print", "--output-format", "stream-json"}
}

func (a *cliAgent) monitor() chan agentiface.MonitorEvent {
	a.monitorOnce.Do(func() {
		a.monitorCh = make(chan agentiface.MonitorEvent, 32)
	})
	return a.monitorCh
}

func (a *cliAgent) Complete(ctx context.Context, input string) (agentiface.CompleteResult, error) {
	var text strings.Builder
	events, err := a.ChatStream(ctx, input)
	if err != nil {
		return agentiface.CompleteResult{}, err
	}
	for ev := range events {
		switch ev.Kind {
		case agentiface.KindTextChunk:
			text.WriteString(ev.Delta)
		case agentiface.KindToolError:
			return agentiface.CompleteResult{}, fmt.Errorf("%s: %s", a.command, ev.Error)
		}
	}
	if ctx.Err() != nil {
		return agentiface.CompleteResult{Status: agentiface.StatusPaused}, nil
	}
	return agentiface.CompleteResult{Status: agentiface.StatusOK, Text: text.String()}, nil
}

// ChatStream invokes the CLI tool with the turn's prompt as its final
// positional argument and translates its stream-json lines into
// agentiface.StreamEvent, mirroring tool_use/tool_result lines onto the
// monitor() channel as MonitorPermissionRequired/MonitorToolExecuted events.
// Interrupting the context kills the subprocess.
func (a *cliAgent) ChatStream(ctx context.Context, input string) (<-chan agentiface.StreamEvent, error) {
	args := append(append([]string{}, a.args...), input)
	cmd := exec.CommandContext(ctx, a.command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", a.command, err)
	}

	a.mu.Lock()
	a.running = cmd
	a.stdin = stdin
	a.mu.Unlock()

	monitor := a.monitor()

	out := make(chan agentiface.StreamEvent, 16)
	go func() {
		defer close(out)
		defer func() {
			a.mu.Lock()
			a.running = nil
			a.stdin = nil
			a.mu.Unlock()
		}()

		var stderrOutput strings.Builder
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := bufio.NewScanner(stderr)
			for sc.Scan() {
				stderrOutput.WriteString(sc.Text())
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			ev, mon := parseCLILine(scanner.Text(), a.respondToToolCall)
			out <- ev
			if mon != nil {
				// Non-blocking: the parent conversation's agent has no
				// watch() loop draining this, and a full buffer must never
				// stall stdout scanning.
				select {
				case monitor <- *mon:
				default:
				}
			}
		}

		wg.Wait()
		waitErr := cmd.Wait()
		if waitErr != nil && ctx.Err() == nil {
			msg := stderrOutput.String()
			out <- agentiface.StreamEvent{Kind: agentiface.KindToolError, Error: strings.TrimSpace(fmt.Sprintf("%s: %v %s", a.command, waitErr, msg))}
		}
		out <- agentiface.StreamEvent{Kind: agentiface.KindDone}
	}()

	return out, nil
}

// respondToToolCall is the MonitorEvent.Respond callback for a permission
// prompt: it writes the bridge's decision to the subprocess's stdin, the
// same channel the CLI's own interactive y/n prompt reads from.
func (a *cliAgent) respondToToolCall(decision, note string) {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return
	}
	reply := "n"
	if decision == "allow" {
		reply = "y"
	}
	_, _ = io.WriteString(stdin, reply+"\n")
}

// Interrupt kills the in-flight subprocess, if any. The orchestrator
// observes this as a StatusPaused Complete result or an early-closed stream.
func (a *cliAgent) Interrupt(note string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running != nil && a.running.Process != nil {
		_ = a.running.Process.Kill()
	}
}

// Subscribe returns the channel ChatStream mirrors tool-call and permission
// events onto for the lifetime of this agent (one per task, per
// newSubAgentFactory), closing it once ctx is done.
func (a *cliAgent) Subscribe(ctx context.Context) (<-chan agentiface.MonitorEvent, error) {
	monitor := a.monitor()
	done := make(chan agentiface.MonitorEvent)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-monitor:
				if !ok {
					return
				}
				done <- ev
			}
		}
	}()
	return done, nil
}

// parseCLILine maps one line of a CLI tool's stream-json output to a
// StreamEvent, and, for tool_use/tool_result lines, a MonitorEvent mirroring
// the same call onto the agent's monitor channel: tool_use becomes a
// MonitorPermissionRequired gated by respond, tool_result becomes a
// MonitorToolExecuted once the call has actually run. Unrecognized or
// non-JSON lines pass through as plain text with no monitor event.
func parseCLILine(line string, respond func(decision, note string)) (agentiface.StreamEvent, *agentiface.MonitorEvent) {
	if line == "" {
		return agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: ""}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: line + "\n"}, nil
	}
	switch data["type"] {
	case "content_block_delta":
		if delta, ok := data["delta"].(map[string]any); ok {
			switch delta["type"] {
			case "text_delta":
				if t, ok := delta["text"].(string); ok {
					return agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: t}, nil
				}
			case "thinking_delta":
				if t, ok := delta["thinking"].(string); ok {
					return agentiface.StreamEvent{Kind: agentiface.KindThinkChunk, Delta: t}, nil
				}
			}
		}
	case "tool_use":
		name, _ := data["name"].(string)
		id, _ := data["id"].(string)
		var input json.RawMessage
		if raw, ok := data["input"]; ok {
			input, _ = json.Marshal(raw)
		}
		call := &agentiface.ToolCall{ID: id, Name: name, Input: input}
		return agentiface.StreamEvent{Kind: agentiface.KindToolStart, Call: call},
			&agentiface.MonitorEvent{Kind: agentiface.MonitorPermissionRequired, Call: call, Respond: respond}
	case "tool_result":
		id, _ := data["tool_use_id"].(string)
		call := &agentiface.ToolCall{ID: id}
		return agentiface.StreamEvent{Kind: agentiface.KindToolEnd, Call: call},
			&agentiface.MonitorEvent{Kind: agentiface.MonitorToolExecuted, Call: call}
	}
	return agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: ""}, nil
}
