package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fluxworks/taskrunner/internal/agentiface"
	"github.com/fluxworks/taskrunner/internal/approval"
	"github.com/fluxworks/taskrunner/internal/bgtask"
	"github.com/fluxworks/taskrunner/internal/chatlock"
	"github.com/fluxworks/taskrunner/internal/config"
	"github.com/fluxworks/taskrunner/internal/injectionqueue"
	"github.com/fluxworks/taskrunner/internal/progress"
	"github.com/fluxworks/taskrunner/internal/sandbox"
	"github.com/fluxworks/taskrunner/internal/ssebus"
)

// stubAgent is a minimal agentiface.Agent for the parent conversation in
// HTTP-layer tests; no bgtask sub-task runs through it.
type stubAgent struct{}

func (stubAgent) Complete(ctx context.Context, input string) (agentiface.CompleteResult, error) {
	return agentiface.CompleteResult{Status: agentiface.StatusOK, Text: "n/a"}, nil
}

func (stubAgent) ChatStream(ctx context.Context, input string) (<-chan agentiface.StreamEvent, error) {
	ch := make(chan agentiface.StreamEvent, 2)
	ch <- agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: "reply: " + input}
	ch <- agentiface.StreamEvent{Kind: agentiface.KindDone}
	close(ch)
	return ch, nil
}

func (stubAgent) Interrupt(note string) {}

func (stubAgent) Subscribe(ctx context.Context) (<-chan agentiface.MonitorEvent, error) {
	ch := make(chan agentiface.MonitorEvent)
	close(ch)
	return ch, nil
}

// blockingAgent is the sub-agent for bgtask sub-tasks in these tests: its
// Complete does not return until Interrupt is called, so a started task is
// still queued or running when a test acts on it.
type blockingAgent struct {
	stubAgent
	interrupted chan struct{}
	once        sync.Once
}

func (a *blockingAgent) Complete(ctx context.Context, input string) (agentiface.CompleteResult, error) {
	<-a.interrupted
	return agentiface.CompleteResult{Status: agentiface.StatusPaused}, nil
}

func (a *blockingAgent) Interrupt(note string) { a.once.Do(func() { close(a.interrupted) }) }

func newTestDeps(t *testing.T, bearerSecret string) *Deps {
	t.Helper()
	bus := ssebus.New()
	lock := chatlock.New()
	approvals := approval.New()
	convo := NewConversation(stubAgent{}, lock, bus)
	queue := injectionqueue.New(lock, bus, convo)

	sf := sandbox.New()
	sf.Register("local", func(taskID string) (agentiface.Sandbox, error) { return sandbox.NewLocal(taskID) })

	progressTracker := progress.New(0, func(progress.Record) {})

	runner := bgtask.New(
		bgtask.Options{MaxConcurrent: 5, DefaultIdleTimeoutMs: 5000, DefaultMaxToolCalls: 50, DefaultMaxSteps: 50, SandboxKeepAliveMs: 1000, AgentKeepAliveMs: 1000},
		func(task bgtask.Task) (agentiface.Agent, error) {
			return &blockingAgent{interrupted: make(chan struct{})}, nil
		},
		sf, queue, bus, progressTracker, nil,
	)

	cfg := config.Config{}
	cfg.Auth.BearerMode = "static"
	cfg.Auth.BearerSecret = bearerSecret

	return &Deps{Runner: runner, Approvals: approvals, Bus: bus, Lock: lock, Conversation: convo, Progress: progressTracker, Auth: cfg}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	deps := newTestDeps(t, "s3cret")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsValidStaticToken(t *testing.T) {
	deps := newTestDeps(t, "s3cret")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthDisabledWhenNoSecretConfigured(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/bg-tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartThenListThenCancelViaHTTP(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	id := deps.Runner.Start("executor", "p", "demo", bgtask.StartOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/bg-tasks", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), id) {
		t.Fatalf("expected task %s to be listed, got %d: %s", id, rec.Code, rec.Body.String())
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/bg-tasks/"+id+"/cancel", strings.NewReader(`{"reason":"testing"}`))
	cancelReq.Header.Set("Content-Type", "application/json")
	cancelRec := httptest.NewRecorder()
	router.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected cancel to succeed, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}
}

func TestApprovalHandlerResolvesPending(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	respondCh := make(chan string, 1)
	deps.Approvals.Add("perm-1", "task-1", "bash", nil, func(d approval.Decision, note string) {
		respondCh <- string(d)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/approval", strings.NewReader(`{"permissionId":"perm-1","decision":"allow"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case d := <-respondCh:
		if d != "allow" {
			t.Errorf("expected allow, got %s", d)
		}
	default:
		t.Fatal("expected respond callback to have been invoked")
	}
}

func TestApprovalHandlerUnknownIDReturns404(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/approval", strings.NewReader(`{"permissionId":"nope","decision":"allow"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCommandHandlerHelp(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{"command":"/help"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/confirm") {
		t.Fatalf("expected help text, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatHandlerRoutesSlashCommandSynchronously(t *testing.T) {
	deps := newTestDeps(t, "")
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"/status"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "activeTasks") {
		t.Fatalf("expected a status payload, got %d: %s", rec.Code, rec.Body.String())
	}
}
