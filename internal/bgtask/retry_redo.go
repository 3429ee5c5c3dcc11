package bgtask

import (
	"fmt"
	"strings"
)

// Retry creates a fresh task from a failed or cancelled one, preserving
// lineage: priority, resource limits, and skills carry over; retryCount
// increments. modifiedPrompt, if non-nil, replaces the original prompt.
func (r *Runner) Retry(taskID string, modifiedPrompt *string) (string, error) {
	r.mu.Lock()
	prev, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return "", &NotFoundError{Resource: "task", ID: taskID}
	}
	if prev.task.Status != StatusFailed && prev.task.Status != StatusCancelled {
		status := prev.task.Status
		r.mu.Unlock()
		return "", &StateError{Status: status, Action: "重试（仅失败或已取消的任务可重试）"}
	}

	prompt := prev.task.Prompt
	if modifiedPrompt != nil {
		prompt = *modifiedPrompt
	}
	description := fmt.Sprintf("%s (retry #%d)", prev.task.Description, prev.task.RetryCount+1)
	opts := StartOptions{
		Priority:       prev.task.Priority,
		Skills:         append([]string(nil), prev.task.Skills...),
		ResourceLimits: prev.task.ResourceLimits,
		SandboxKind:    prev.sandboxKind,
	}
	templateID := prev.task.TemplateID
	retryCount := prev.task.RetryCount + 1
	r.mu.Unlock()

	return r.startInternal(templateID, prompt, description, opts, retryCount, nil), nil
}

// Redo creates a fresh task from a completed one. The new prompt is the
// original prompt plus a rejection notice, the trimmed feedback, and the
// previous result truncated to RedoResultTruncateLimit. redoHistory grows
// by one entry.
func (r *Runner) Redo(taskID, feedback string) (string, error) {
	r.mu.Lock()
	prev, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return "", &NotFoundError{Resource: "task", ID: taskID}
	}
	if prev.task.Status != StatusCompleted {
		status := prev.task.Status
		r.mu.Unlock()
		return "", &StateError{Status: status, Action: "redo（仅已完成的任务可 redo）"}
	}

	truncatedResult := truncateText(prev.task.Result, RedoResultTruncateLimit)
	prompt := fmt.Sprintf("%s\n\n[previous result was rejected]\n%s\n\n%s",
		prev.task.Prompt, strings.TrimSpace(feedback), truncatedResult)
	description := fmt.Sprintf("%s (redo #%d)", prev.task.Description, len(prev.task.RedoHistory)+1)
	opts := StartOptions{
		Priority:       prev.task.Priority,
		Skills:         append([]string(nil), prev.task.Skills...),
		ResourceLimits: prev.task.ResourceLimits,
		SandboxKind:    prev.sandboxKind,
	}
	templateID := prev.task.TemplateID
	redoHistory := append(append([]string(nil), prev.task.RedoHistory...), feedback)
	r.mu.Unlock()

	return r.startInternal(templateID, prompt, description, opts, 0, redoHistory), nil
}
