package server

import (
	"strconv"
	"strings"

	"github.com/fluxworks/taskrunner/internal/approval"
	"github.com/fluxworks/taskrunner/internal/bgtask"
	"github.com/fluxworks/taskrunner/internal/progress"
)

// CommandResult is the synchronous reply to a slash command, per §6.6.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const helpText = `/confirm <permissionId> - approve a pending tool call
/cancel <permissionId>  - deny a pending tool call
/status                 - active tasks, progress, pending approvals
/history [n]            - last n conversation turns (default: all)
/help                   - this message`

// RunCommand parses and executes a slash command. cmd must already have its
// leading "/" stripped by the caller's routing decision.
func RunCommand(cmd string, deps *Deps) CommandResult {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return CommandResult{OK: false, Message: "empty command"}
	}

	switch fields[0] {
	case "confirm":
		if len(fields) < 2 {
			return CommandResult{OK: false, Message: "usage: /confirm <permissionId>"}
		}
		if deps.Approvals.Decide(fields[1], approval.Allow, "confirmed via /confirm") {
			return CommandResult{OK: true, Message: "approved"}
		}
		return CommandResult{OK: false, Message: "unknown or already-resolved permissionId"}

	case "cancel":
		if len(fields) < 2 {
			return CommandResult{OK: false, Message: "usage: /cancel <permissionId>"}
		}
		if deps.Approvals.Decide(fields[1], approval.Deny, "denied via /cancel") {
			return CommandResult{OK: true, Message: "denied"}
		}
		return CommandResult{OK: false, Message: "unknown or already-resolved permissionId"}

	case "status":
		return CommandResult{OK: true, Message: "status", Data: buildStatus(deps)}

	case "history":
		n := 0
		if len(fields) >= 2 {
			if v, err := strconv.Atoi(fields[1]); err == nil {
				n = v
			}
		}
		return CommandResult{OK: true, Message: "history", Data: deps.Conversation.History(n)}

	case "help":
		return CommandResult{OK: true, Message: helpText}

	default:
		return CommandResult{OK: false, Message: "unknown command: /" + fields[0]}
	}
}

// StatusSnapshot is the §6.4 GET /api/status payload.
type StatusSnapshot struct {
	ActiveTasks []bgtask.Task      `json:"activeTasks"`
	Progress    []progress.Record  `json:"progress"`
	Approvals   []approval.Pending `json:"pendingApprovals"`
}

func buildStatus(deps *Deps) StatusSnapshot {
	snapshot := StatusSnapshot{
		ActiveTasks: deps.Runner.GetActiveTasks(),
		Approvals:   deps.Approvals.List(),
	}
	if deps.Progress != nil {
		snapshot.Progress = deps.Progress.List()
	}
	return snapshot
}
