package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/collection"
)

// RecorderOptions configure a Recorder.
type RecorderOptions struct {
	// Session defaults to a fresh UUIDv7.
	Session string
	Label   string
	Now     func() time.Time
	// Registry renders records to wire form; defaults to
	// codec.DefaultRegistry.
	Registry codec.Registry
	// Buffer is the queue length between the loop and the writer.
	Buffer int
	Logger *slog.Logger
}

// Recorder writes observed store events to a Journal. Observe only
// enqueues; a single writer goroutine owns the database. When the queue is
// full Observe waits for the writer.
type Recorder struct {
	journal  *Journal
	session  string
	registry codec.Registry
	logger   *slog.Logger

	seq    atomic.Int64
	failed atomic.Int64

	mu     sync.Mutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// NewRecorder starts a session in j and returns its recorder.
func NewRecorder(ctx context.Context, j *Journal, opts RecorderOptions) (*Recorder, error) {
	if opts.Session == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		opts.Session = id.String()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = codec.DefaultRegistry()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	last, err := j.lastSeq(ctx)
	if err != nil {
		return nil, err
	}
	if err := j.WriteSession(ctx, Session{
		ID:        opts.Session,
		StartedAt: opts.Now().UTC().Format(time.RFC3339Nano),
		Label:     opts.Label,
	}); err != nil {
		return nil, err
	}

	r := &Recorder{
		journal:  j,
		session:  opts.Session,
		registry: opts.Registry,
		logger:   opts.Logger.With("session", opts.Session),
		queue:    make(chan Entry, opts.Buffer),
		done:     make(chan struct{}),
	}
	r.seq.Store(last)
	go r.write()
	return r, nil
}

// Session returns the session id.
func (r *Recorder) Session() string {
	return r.session
}

// Failed returns the number of entries that could not be written.
func (r *Recorder) Failed() int64 {
	return r.failed.Load()
}

// Observe implements collection.Observer.
func (r *Recorder) Observe(e collection.Event) {
	entry, err := entryFromEvent(r.registry, e)
	if err != nil {
		r.failed.Add(1)
		r.logger.Warn("journal entry not recorded", "collection", e.Collection, "error", err)
		return
	}
	entry.Session = r.session

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// seq is taken under the lock so queue order equals seq order.
	entry.Seq = r.seq.Add(1)
	r.queue <- entry
}

// ObserveState implements collection.Observer. States are derivable from
// entries and are not recorded.
func (r *Recorder) ObserveState(collection.State) {}

func (r *Recorder) write() {
	defer close(r.done)
	for e := range r.queue {
		if err := r.journal.WriteEntry(context.Background(), e); err != nil {
			r.failed.Add(1)
			r.logger.Warn("journal write failed", "seq", e.Seq, "error", err)
		}
	}
}

// Close flushes queued entries and stops the writer. It does not close the
// Journal. Close reports an error if any entry was lost.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done

	if n := r.failed.Load(); n > 0 {
		return fmt.Errorf("journal: %d entries not recorded", n)
	}
	return nil
}
