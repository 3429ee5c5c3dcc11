package bgtask

import (
	"context"
	"sync"

	"github.com/fluxworks/taskrunner/internal/agentiface"
)

// fakeAgent implements agentiface.Agent for testing. completes is consumed
// one entry per Complete call; the last entry repeats once exhausted.
// Monitor events are fed manually via the monitor channel so tests can
// drive watchdog behavior deterministically. When blockFirst is set, the
// first Complete call blocks until Interrupt is called (simulating a
// sub-agent stuck until the watchdog or a steering message reaches it),
// then returns a Paused result.
type fakeAgent struct {
	mu         sync.Mutex
	completes  []agentiface.CompleteResult
	callIdx    int
	interrupts []string

	blockFirst    bool
	interruptCh   chan struct{}
	interruptOnce sync.Once

	monitor chan agentiface.MonitorEvent
}

func newFakeAgent(completes ...agentiface.CompleteResult) *fakeAgent {
	return &fakeAgent{
		completes:   completes,
		monitor:     make(chan agentiface.MonitorEvent, 64),
		interruptCh: make(chan struct{}),
	}
}

func (a *fakeAgent) Complete(ctx context.Context, input string) (agentiface.CompleteResult, error) {
	a.mu.Lock()
	idx := a.callIdx
	a.callIdx++
	blockFirst := a.blockFirst && idx == 0
	a.mu.Unlock()

	if blockFirst {
		select {
		case <-a.interruptCh:
		case <-ctx.Done():
			return agentiface.CompleteResult{}, ctx.Err()
		}
		return agentiface.CompleteResult{Status: agentiface.StatusPaused}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.completes) == 0 {
		return agentiface.CompleteResult{Status: agentiface.StatusOK}, nil
	}
	i := idx
	if i >= len(a.completes) {
		i = len(a.completes) - 1
	}
	return a.completes[i], nil
}

func (a *fakeAgent) ChatStream(ctx context.Context, input string) (<-chan agentiface.StreamEvent, error) {
	ch := make(chan agentiface.StreamEvent, 2)
	ch <- agentiface.StreamEvent{Kind: agentiface.KindTextChunk, Delta: "ack: " + input}
	ch <- agentiface.StreamEvent{Kind: agentiface.KindDone}
	close(ch)
	return ch, nil
}

func (a *fakeAgent) Interrupt(note string) {
	a.mu.Lock()
	a.interrupts = append(a.interrupts, note)
	a.mu.Unlock()
	a.interruptOnce.Do(func() { close(a.interruptCh) })
}

func (a *fakeAgent) Subscribe(ctx context.Context) (<-chan agentiface.MonitorEvent, error) {
	out := make(chan agentiface.MonitorEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-a.monitor:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *fakeAgent) emit(ev agentiface.MonitorEvent) {
	a.monitor <- ev
}

func (a *fakeAgent) interruptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.interrupts)
}
