package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/fluxworks/taskrunner/internal/approval"
	"github.com/fluxworks/taskrunner/internal/bgtask"
	"github.com/fluxworks/taskrunner/internal/httputil"
)

type chatRequest struct {
	Message string `json:"message"`
}

// chatHandler implements POST /api/chat: a slash command replies
// synchronously; anything else is a streaming turn delivered over
// /api/events, per §6.4.
func chatHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, &bgtask.ValidationError{Msg: "malformed request body"})
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "message is required"})
			return
		}

		if strings.HasPrefix(req.Message, "/") {
			result := RunCommand(strings.TrimPrefix(req.Message, "/"), deps)
			httputil.OkJSON(w, result)
			return
		}

		go func() {
			// The request context is cancelled once this handler returns;
			// the turn outlives the response.
			if err := deps.Conversation.UserChat(context.WithoutCancel(r.Context()), req.Message); err != nil {
				deps.Bus.Send(deps.errorEvent(err))
			}
		}()
		httputil.OkJSON(w, map[string]any{"ok": true, "streaming": true})
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

// commandHandler implements POST /api/command.
func commandHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, &bgtask.ValidationError{Msg: "malformed request body"})
			return
		}
		cmd := strings.TrimPrefix(strings.TrimSpace(req.Command), "/")
		if cmd == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "command is required"})
			return
		}
		httputil.OkJSON(w, RunCommand(cmd, deps))
	}
}

// statusHandler implements GET /api/status.
func statusHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, buildStatus(deps))
	}
}

// historyHandler implements GET /api/history?n=.
func historyHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := httputil.QueryInt(r, "n", 0)
		httputil.OkJSON(w, map[string]any{"history": deps.Conversation.History(n)})
	}
}

type approvalRequest struct {
	PermissionID string `json:"permissionId"`
	Decision     string `json:"decision"`
	Note         string `json:"note"`
}

// approvalHandler implements POST /api/approval.
func approvalHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req approvalRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, &bgtask.ValidationError{Msg: "malformed request body"})
			return
		}
		if req.PermissionID == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "permissionId is required"})
			return
		}
		var decision approval.Decision
		switch req.Decision {
		case string(approval.Allow):
			decision = approval.Allow
		case string(approval.Deny):
			decision = approval.Deny
		default:
			httputil.Error(w, &bgtask.ValidationError{Msg: "decision must be allow or deny"})
			return
		}
		if !deps.Approvals.Decide(req.PermissionID, decision, req.Note) {
			httputil.Error(w, &bgtask.NotFoundError{Resource: "permission", ID: req.PermissionID})
			return
		}
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

type sandboxDisposeRequest struct {
	TaskID string `json:"taskId"`
}

// sandboxDisposeHandler implements POST /api/sandbox/dispose.
func sandboxDisposeHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sandboxDisposeRequest
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, &bgtask.ValidationError{Msg: "malformed request body"})
			return
		}
		if req.TaskID == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "taskId is required"})
			return
		}
		disposed := deps.Runner.DisposeSandbox(req.TaskID)
		httputil.OkJSON(w, map[string]any{"ok": true, "disposed": disposed})
	}
}

// listTasksHandler implements GET /api/bg-tasks.
func listTasksHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]any{"tasks": deps.Runner.GetAllTasks()})
	}
}

// getTaskHandler implements GET /api/bg-tasks/{taskId}.
func getTaskHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "taskId")
		task, ok := deps.Runner.GetTask(id)
		if !ok {
			httputil.Error(w, &bgtask.NotFoundError{Resource: "task", ID: id})
			return
		}
		httputil.OkJSON(w, task)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelTaskHandler implements POST /api/bg-tasks/{taskId}/cancel.
func cancelTaskHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "taskId")
		var req cancelRequest
		_ = httputil.Parse(r, &req)
		if !deps.Runner.Cancel(id, req.Reason) {
			if task, ok := deps.Runner.GetTask(id); ok {
				httputil.Error(w, &bgtask.StateError{Status: task.Status, Action: "取消"})
				return
			}
			httputil.Error(w, &bgtask.NotFoundError{Resource: "task", ID: id})
			return
		}
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

type messageRequest struct {
	Instruction string `json:"instruction"`
}

// sendMessageHandler implements POST /api/bg-tasks/{taskId}/message.
func sendMessageHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "taskId")
		var req messageRequest
		if err := httputil.Parse(r, &req); err != nil || req.Instruction == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "instruction is required"})
			return
		}
		if !deps.Runner.SendMessage(id, req.Instruction) {
			task, ok := deps.Runner.GetTask(id)
			if !ok {
				httputil.Error(w, &bgtask.NotFoundError{Resource: "task", ID: id})
				return
			}
			httputil.Error(w, &bgtask.StateError{Status: task.Status, Action: "发送消息（任务未在运行）"})
			return
		}
		httputil.OkJSON(w, map[string]any{"ok": true})
	}
}

type chatAsyncRequest struct {
	Message string `json:"message"`
}

// chatAsyncHandler implements POST /api/bg-tasks/{taskId}/chat.
func chatAsyncHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "taskId")
		var req chatAsyncRequest
		if err := httputil.Parse(r, &req); err != nil || req.Message == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "message is required"})
			return
		}
		ok, err := deps.Runner.ChatAsync(id, req.Message)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, map[string]any{"ok": ok})
	}
}

type retryRequest struct {
	ModifiedPrompt *string `json:"modifiedPrompt"`
}

// retryTaskHandler implements POST /api/bg-tasks/{taskId}/retry.
func retryTaskHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "taskId")
		var req retryRequest
		_ = httputil.Parse(r, &req)
		newID, err := deps.Runner.Retry(id, req.ModifiedPrompt)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, map[string]any{"taskId": newID})
	}
}

type redoRequest struct {
	Feedback string `json:"feedback"`
}

// redoTaskHandler implements POST /api/bg-tasks/{taskId}/redo.
func redoTaskHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "taskId")
		var req redoRequest
		if err := httputil.Parse(r, &req); err != nil || req.Feedback == "" {
			httputil.Error(w, &bgtask.ValidationError{Msg: "feedback is required"})
			return
		}
		newID, err := deps.Runner.Redo(id, req.Feedback)
		if err != nil {
			httputil.Error(w, err)
			return
		}
		httputil.OkJSON(w, map[string]any{"taskId": newID})
	}
}
