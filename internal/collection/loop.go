package collection

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a unit of work executed on the Loop.
type Task struct {
	// Name identifies the task in logs.
	Name string
	Run  func() error
}

// Loop is the single writer of every cache bound to it. Transport
// callbacks, snapshot results and mutation responses are all posted here
// and executed one at a time in FIFO order, so no cache ever observes an
// interleaved partial update.
//
// Tasks posted from inside a running task are queued behind it, never run
// re-entrantly.
type Loop struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // buffered, size 1
	logger *slog.Logger
}

// NewLoop creates an idle loop. Call Run (or Drain in tests) to execute
// posted tasks.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
		logger: logger,
	}
}

// Post queues a task. Safe to call from any goroutine. Returns false when
// the loop is closed.
func (l *Loop) Post(name string, fn func() error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, Task{Name: name, Run: fn})

	// Buffer of 1 coalesces signals.
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return Task{}, false
	}
	t := l.tasks[0]
	l.tasks[0] = Task{}
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return t, true
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) exec(t Task) {
	if err := t.Run(); err != nil {
		// Log and continue: one failing task must not stop sync for
		// every other collection.
		l.logger.Error("loop task failed", "task", t.Name, "error", err)
	}
}

// Run executes tasks until ctx is cancelled or the loop is closed and
// drained.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("sync loop starting")

	for {
		if t, ok := l.next(); ok {
			l.exec(t)
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("sync loop stopping", "reason", "context cancelled")
			l.Close()
			return ctx.Err()
		case <-l.signal:
			l.mu.Lock()
			done := l.closed && len(l.tasks) == 0
			l.mu.Unlock()
			if done {
				l.logger.Debug("sync loop stopping", "reason", "closed")
				return nil
			}
		}
	}
}

// Drain executes queued tasks on the calling goroutine until the queue is
// empty, including tasks posted while draining. It returns the number of
// tasks run. Intended for tests and the scenario harness, which drive the
// loop deterministically instead of calling Run.
func (l *Loop) Drain() int {
	n := 0
	for {
		t, ok := l.next()
		if !ok {
			return n
		}
		l.exec(t)
		n++
	}
}

// Close stops accepting tasks. Run returns once the queue is empty.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}
