// Package mainloop models the host's cooperative single-threaded
// scheduler: continuations submitted from any goroutine are executed one
// at a time, in submission order, on one dedicated goroutine.
package mainloop

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mattjoyce/webrelay/internal/log"
)

// Loop is the cooperative continuation queue.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a stopped loop.
func New() *Loop {
	return &Loop{
		logger: log.WithComponent("mainloop"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Submit appends a continuation for execution on the loop goroutine.
// Never blocks; submission order is execution order.
func (l *Loop) Submit(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start launches the loop goroutine. It runs until ctx is cancelled or
// Stop is called, then drains any remaining continuations so completed
// requests are not silently dropped at shutdown.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			l.drain()
			select {
			case <-ctx.Done():
				l.drain()
				return
			case <-l.stopCh:
				l.drain()
				return
			case <-l.wake:
			}
		}
	}()
}

// Stop signals the loop goroutine and waits for it to finish. Safe to
// call from multiple goroutines.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Depth returns the number of continuations waiting to run.
func (l *Loop) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		fn()
	}
}
