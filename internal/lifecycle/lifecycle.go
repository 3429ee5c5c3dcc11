// Package lifecycle provides process-level event hooks for the scheduler.
package lifecycle

import (
	"sync"

	"github.com/fluxworks/taskrunner/internal/logging"
)

// Event identifies a process-lifecycle hook point.
type Event string

const (
	EventServerStarted   Event = "server_started"
	EventTaskStarted     Event = "task_started"
	EventTaskTerminal    Event = "task_terminal"
	EventShutdownStarted Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"
)

// Handler handles a lifecycle event.
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// global is the process-wide manager used by the package-level helpers.
var global = &Manager{
	handlers: make(map[Event][]Handler),
}

// On registers a handler for a lifecycle event.
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers.
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// On registers a handler for a lifecycle event.
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers, synchronously and in
// registration order. Handlers that need to do blocking work spawn their own
// goroutine.
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] emitting %s", event)
	for _, h := range handlers {
		h(event, data)
	}
}

// OnTaskStarted registers a handler invoked with the task id whenever a task
// leaves the queue and enters running.
func OnTaskStarted(handler func(taskID string)) {
	On(EventTaskStarted, func(e Event, data any) {
		if id, ok := data.(string); ok {
			handler(id)
		}
	})
}

// OnTaskTerminal registers a handler invoked with the task id whenever a task
// reaches a terminal status.
func OnTaskTerminal(handler func(taskID string)) {
	On(EventTaskTerminal, func(e Event, data any) {
		if id, ok := data.(string); ok {
			handler(id)
		}
	})
}

// OnServerStarted registers a handler invoked once the HTTP server is listening.
func OnServerStarted(handler func()) {
	On(EventServerStarted, func(e Event, data any) {
		handler()
	})
}

// OnShutdown registers a handler invoked when shutdown begins.
func OnShutdown(handler func()) {
	On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}
