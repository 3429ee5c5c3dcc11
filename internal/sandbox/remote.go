package sandbox

import (
	"context"
	"fmt"

	"github.com/fluxworks/taskrunner/internal/agentiface"
)

// Remote represents a VM-backed sandbox running away from the host. It is
// always isolated, so the permission bridge auto-allows its tool calls
// without consulting SafeCommandPolicy, and it exposes preview URLs for
// tasks that expose a port. The actual remote provisioning/exec transport is
// an external collaborator; this type is the contract-shaped stub used for
// local development and tests.
type Remote struct {
	taskID   string
	hostBase string
}

// NewRemoteFactory returns a Builder producing Remote sandboxes that publish
// preview URLs under hostBase (e.g. "https://preview.example.internal").
func NewRemoteFactory(hostBase string) Builder {
	return func(taskID string) (agentiface.Sandbox, error) {
		return &Remote{taskID: taskID, hostBase: hostBase}, nil
	}
}

func (r *Remote) Kind() string { return "remote" }

func (r *Remote) Dispose(ctx context.Context) error { return nil }

func (r *Remote) Isolated() bool { return true }

// GetHostURL returns the public preview URL for port. Per spec B4, callers
// must reject any result starting with "localhost" before surfacing it in a
// [sandbox-preview](URL) marker.
func (r *Remote) GetHostURL(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("%s/preview/%s/%d", r.hostBase, r.taskID, port), nil
}
