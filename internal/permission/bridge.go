// Package permission wires BgTaskRunner's permission_required monitor events
// into the approval/SSE/auto-allow policy described in spec §4.5. It must
// never block the scheduler: every path either auto-responds synchronously
// or hands off to ApprovalManager and returns.
package permission

import (
	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/approval"
	"github.com/fluxworks/taskrunner/internal/logging"
	"github.com/fluxworks/taskrunner/internal/safecmd"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// DefaultShellToolName is the default tool name consulted against
// SafeCommandPolicy. Overridable with WithShellToolName because sub-agent templates are opaque to the scheduler and
// may name their shell tool differently.
const DefaultShellToolName = "bash"

// Bridge enforces the §4.5 permission policy.
type Bridge struct {
	approvals     *approval.Manager
	bus           *ssebus.Bus
	policy        *safecmd.Policy
	shellToolName string
}

// New builds a Bridge. A nil policy uses safecmd.Default().
func New(approvals *approval.Manager, bus *ssebus.Bus, policy *safecmd.Policy) *Bridge {
	if policy == nil {
		policy = safecmd.Default()
	}
	return &Bridge{approvals: approvals, bus: bus, policy: policy, shellToolName: DefaultShellToolName}
}

// WithShellToolName overrides the tool name consulted against
// SafeCommandPolicy (default "bash").
func (b *Bridge) WithShellToolName(name string) *Bridge {
	b.shellToolName = name
	return b
}

// Handle implements the three-step policy:
//  1. isolated sandbox -> auto-allow with an audit note.
//  2. shell tool + SafeCommandPolicy says safe -> auto-allow.
//  3. otherwise -> register with ApprovalManager and fan out approval_needed.
func (b *Bridge) Handle(taskID string, sandboxIsolated bool, ev agentiface.MonitorEvent) {
	if ev.Kind != agentiface.MonitorPermissionRequired || ev.Respond == nil {
		return
	}
	if ev.Call == nil {
		logging.Warnf("[permission] permission_required event for task %s with no tool call", taskID)
		ev.Respond("deny", "malformed permission request")
		return
	}

	if sandboxIsolated {
		ev.Respond("allow", "auto-allow: isolated sandbox")
		return
	}

	if ev.Call.Name == b.shellToolName && b.policy.IsSafe(ev.Call.Input) {
		ev.Respond("allow", "auto-allow: safe command")
		return
	}

	id := ev.Call.ID
	b.approvals.Add(id, taskID, ev.Call.Name, ev.Call.Input, func(decision approval.Decision, note string) {
		ev.Respond(string(decision), note)
	})
	b.bus.Send(ssebus.Event{
		Type: ssebus.TypeApprovalNeeded,
		Data: map[string]any{
			"permissionId": id,
			"taskId":       taskID,
			"toolName":     ev.Call.Name,
			"input":        ev.Call.Input,
		},
	})
}
