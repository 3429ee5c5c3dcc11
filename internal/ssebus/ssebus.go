// Package ssebus implements the SSE Event Bus: a broadcast channel
// distributing typed events to N connected HTTP clients over
// text/event-stream. Grounded on the teacher's internal/agenthub.Hub
// Broadcast method (RLock-snapshot, non-blocking per-connection send,
// prune-on-failure), adapted from WebSocket connections to
// http.Flusher-based SSE connections per spec §6.3/§6.4 (EventSource, not
// a socket).
package ssebus

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxworks/taskrunner/internal/logging"
)

// Event is the SSE envelope: `data: <JSON>\n\n` where the JSON is
// {"type": ..., "data": ...}.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event type tags, per §6.3.
const (
	TypeText              = "text"
	TypeThinking          = "thinking"
	TypeToolStart         = "tool_start"
	TypeToolEnd           = "tool_end"
	TypeToolError         = "tool_error"
	TypeApprovalNeeded    = "approval_needed"
	TypeProgress          = "progress"
	TypePhase             = "phase"
	TypeDone              = "done"
	TypeError             = "error"
	TypeOrchestratorStart = "orchestrator_start"
	TypeOrchestratorText  = "orchestrator_text"
	TypeOrchestratorDone  = "orchestrator_done"
)

// connection is one live SSE client. writeMu serializes writes to w, since
// http.ResponseWriter is not safe for concurrent use and Send may be called
// concurrently from the injection processor, the progress tracker, and the
// permission bridge.
type connection struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher
	writeMu sync.Mutex
	broken  bool
}

func (c *connection) write(payload []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.broken {
		return false
	}
	if _, err := c.w.Write(payload); err != nil {
		c.broken = true
		return false
	}
	c.flusher.Flush()
	return true
}

// Bus is the broadcast primitive. There is no per-connection queueing:
// Send writes to each connection in turn, so a slow consumer delays
// delivery to the others rather than missing events (§4.4).
type Bus struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{conns: make(map[string]*connection)}
}

// ServeHTTP upgrades the request to an SSE stream and blocks until the
// client disconnects or the request context is done.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &connection{id: uuid.NewString(), w: w, flusher: flusher}
	b.add(conn)
	defer b.remove(conn.id)

	<-r.Context().Done()
}

func (b *Bus) add(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.id] = c
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

// Send serializes event once and writes it to every live connection,
// pruning any that fail. Safe for concurrent use.
func (b *Bus) Send(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Errorf("[ssebus] marshal event %s: %v", event.Type, err)
		return
	}
	payload := make([]byte, 0, len(data)+8)
	payload = append(payload, "data: "...)
	payload = append(payload, data...)
	payload = append(payload, '\n', '\n')

	b.mu.RLock()
	snapshot := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		snapshot = append(snapshot, c)
	}
	b.mu.RUnlock()

	var dead []string
	for _, c := range snapshot {
		if !c.write(payload) {
			dead = append(dead, c.id)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			delete(b.conns, id)
		}
		b.mu.Unlock()
	}
}

// ConnectionCount returns the number of currently registered connections.
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
