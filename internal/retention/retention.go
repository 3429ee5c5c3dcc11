// Package retention implements the optional task-record retention sweep
// described for BgTaskRunner's history (§9 decision (d)): off by default,
// so the out-of-the-box behavior is "retain every task record forever";
// when enabled, a cron-scheduled sweep removes only terminal tasks older
// than a configured age, once per firing, and logs what it removed.
package retention

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fluxworks/taskrunner/internal/bgtask"
	"github.com/fluxworks/taskrunner/internal/logging"
)

// TaskSource is the subset of *bgtask.Runner the sweep needs: a full
// snapshot to decide what's eligible, and a remover to act on the decision.
type TaskSource interface {
	GetAllTasks() []bgtask.Task
}

// Remover deletes a terminal task record by id. BgTaskRunner does not
// expose this by default (it never deletes a record on its own); the sweep
// is the one caller allowed to invoke it.
type Remover interface {
	Forget(taskID string) bool
}

// Sweeper runs the cron-scheduled sweep.
type Sweeper struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID

	source  TaskSource
	remover Remover
	maxAge  time.Duration
}

// New builds a Sweeper. It does not start anything; call Start with a cron
// spec to begin sweeping.
func New(source TaskSource, remover Remover, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		cron:    cron.New(),
		source:  source,
		remover: remover,
		maxAge:  maxAge,
	}
}

// Start schedules the sweep per spec and begins running it. spec is a
// standard five-field cron expression; an empty spec is a no-op (the
// caller is expected to gate this on config.IsRetentionSweepEnabled()
// before calling Start at all).
func (s *Sweeper) Start(spec string) error {
	if spec == "" {
		return nil
	}
	id, err := s.cron.AddFunc(spec, s.sweepOnce)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entryID = id
	s.mu.Unlock()
	s.cron.Start()
	logging.Infof("[retention] sweep scheduled: spec=%q maxAge=%s", spec, s.maxAge)
	return nil
}

// Stop halts future sweeps and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweepOnce() {
	cutoff := time.Now().Add(-s.maxAge).UnixMilli()
	removed := 0
	for _, task := range s.source.GetAllTasks() {
		if !isTerminal(task.Status) {
			continue
		}
		if task.LastActivityTime == 0 || task.LastActivityTime > cutoff {
			continue
		}
		if s.remover.Forget(task.ID) {
			removed++
		}
	}
	logging.Infof("[retention] sweep complete: removed=%d maxAge=%s", removed, s.maxAge)
}

func isTerminal(status bgtask.Status) bool {
	return status == bgtask.StatusCompleted || status == bgtask.StatusFailed || status == bgtask.StatusCancelled
}
