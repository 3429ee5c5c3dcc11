package bgtask

import "fmt"

// ValidationError reports a malformed request at the boundary. Maps to 400.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string  { return e.Msg }
func (e *ValidationError) StatusCode() int { return 400 }

// AuthError reports a missing or invalid credential. Maps to 401.
type AuthError struct{ Msg string }

func (e *AuthError) Error() string  { return e.Msg }
func (e *AuthError) StatusCode() int { return 401 }

// NotFoundError reports an unknown taskId or permissionId. Maps to 404 at
// the HTTP boundary, or {ok:false, error} when the caller is a tool.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string  { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }
func (e *NotFoundError) StatusCode() int { return 404 }

// StateError reports an operation not permitted in the task's current
// status (cancel a completed task, redo a running task, ...).
type StateError struct {
	Status Status
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("状态 %s, 无法%s", e.Status, e.Action)
}
func (e *StateError) StatusCode() int { return 409 }
