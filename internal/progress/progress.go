// Package progress implements ProgressTracker: a per-task periodic heartbeat
// that is orthogonal to scheduler state and best-effort by design (§4.7).
// Grounded on the teacher's internal/agenthub heartbeat timer (ticker +
// map-of-cancel-funcs pattern), generalized from a fixed connection-health
// ping to an arbitrary percent/stage/message record.
package progress

import (
	"sync"
	"time"
)

// DefaultIntervalMs is the heartbeat period when none is configured.
const DefaultIntervalMs = 15_000

// Record is one progress snapshot, handed to the configured Emit callback.
type Record struct {
	TaskID  string
	Percent int
	Stage   string
	Message string
}

// Emitter receives progress records. In practice this is the SSE bus, but
// the tracker has no dependency on it.
type Emitter func(Record)

type entry struct {
	mu     sync.Mutex
	record Record
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{} // closed when the ticker goroutine exits
}

// Tracker manages per-task heartbeat timers.
type Tracker struct {
	mu         sync.Mutex
	tasks      map[string]*entry
	intervalMs int
	emit       Emitter
}

// New builds a Tracker. intervalMs <= 0 uses DefaultIntervalMs.
func New(intervalMs int, emit Emitter) *Tracker {
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}
	return &Tracker{tasks: make(map[string]*entry), intervalMs: intervalMs, emit: emit}
}

// Start installs a periodic timer for taskId at the configured interval,
// emitting the current record on every tick. Calling Start again for a
// taskId that already has a timer replaces it.
func (t *Tracker) Start(taskID, stage string) {
	t.mu.Lock()
	if old, ok := t.tasks[taskID]; ok {
		close(old.stop)
		old.ticker.Stop()
	}
	e := &entry{
		record: Record{TaskID: taskID, Stage: stage},
		ticker: time.NewTicker(time.Duration(t.intervalMs) * time.Millisecond),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.tasks[taskID] = e
	t.mu.Unlock()

	go func() {
		defer close(e.done)
		for {
			select {
			case <-e.ticker.C:
				e.mu.Lock()
				rec := e.record
				e.mu.Unlock()
				t.emit(rec)
			case <-e.stop:
				return
			}
		}
	}()
}

// Update mutates the tracked record and emits it immediately, independent of
// the timer's next tick.
func (t *Tracker) Update(taskID string, percent int, stage, message string) {
	t.mu.Lock()
	e, ok := t.tasks[taskID]
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.record.Percent = percent
	e.record.Stage = stage
	e.record.Message = message
	rec := e.record
	e.mu.Unlock()
	t.emit(rec)
}

// Finish cancels the timer and removes the record for taskId, waiting for
// any heartbeat already being emitted, so none is emitted after it returns.
// Safe to call on a taskId with no active timer.
func (t *Tracker) Finish(taskID string) {
	t.mu.Lock()
	e, ok := t.tasks[taskID]
	if ok {
		delete(t.tasks, taskID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	close(e.stop)
	e.ticker.Stop()
	<-e.done
}

// Active reports whether taskId currently has a running heartbeat.
func (t *Tracker) Active(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[taskID]
	return ok
}

// List returns the current record for every task with an active heartbeat,
// for the GET /api/status snapshot.
func (t *Tracker) List() []Record {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.tasks))
	for _, e := range t.tasks {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		records = append(records, e.record)
		e.mu.Unlock()
	}
	return records
}
