package audit

import (
	"context"
	"sync"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/ids"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/retry"
)

const (
	defaultConcurrency = 10
	defaultAttempts    = 3
	defaultBackoff     = 200 * time.Millisecond
)

// Writer is the admission-controlled audit sink. At most `concurrency`
// writes run against the store at once; calls beyond the ceiling queue
// FIFO and drain as slots free. Submissions are never dropped and never
// surface errors to the caller: each write retries with exponential
// backoff, fetching a fresh store handle per attempt, and residual
// failure is swallowed after logging.
type Writer struct {
	store       func() Store // fetched at call time, never cached across attempts
	concurrency int
	attempts    int
	backoff     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	active int
	queue  []*Entry
	wg     sync.WaitGroup
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithConcurrency overrides the admission ceiling.
func WithConcurrency(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRetry overrides attempt count and initial backoff.
func WithRetry(attempts int, backoff time.Duration) WriterOption {
	return func(w *Writer) {
		if attempts > 0 {
			w.attempts = attempts
		}
		if backoff >= 0 {
			w.backoff = backoff
		}
	}
}

// WithWriterClock overrides the time source.
func WithWriterClock(fn func() time.Time) WriterOption {
	return func(w *Writer) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWriter constructs a Writer. The store accessor is called on every
// write attempt so a recreated handle is picked up immediately.
func NewWriter(store func() Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:       store,
		concurrency: defaultConcurrency,
		attempts:    defaultAttempts,
		backoff:     defaultBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit records an entry asynchronously. It fills defaults, applies the
// auto-pin policy, and returns immediately; the caller's response is
// never delayed by audit persistence.
func (w *Writer) Submit(entry *Entry) {
	if entry == nil {
		return
	}
	w.prepare(entry)

	w.mu.Lock()
	if w.active < w.concurrency {
		w.active++
		w.wg.Add(1)
		w.mu.Unlock()
		go w.drain(entry)
		return
	}
	w.queue = append(w.queue, entry)
	obs.SetAuditQueueDepth(len(w.queue))
	w.mu.Unlock()
}

// Flush blocks until every submitted entry has been processed or the
// context expires. Used at shutdown and in tests.
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the current overflow queue length.
func (w *Writer) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// prepare fills identity defaults and evaluates pinning. Manual pin
// requests are honored only when auto-pin did not already apply, so a
// system pin (PinnedBy nil) is never overwritten with an actor.
func (w *Writer) prepare(entry *Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = w.now().UTC()
	}
	if entry.Priority == "" {
		entry.Priority = PriorityLow
	}
	if entry.IncidentStatus == "" {
		entry.IncidentStatus = IncidentNew
	}
	if autoPin(entry) {
		entry.IsPinned = true
		entry.PinnedBy = nil
		at := entry.CreatedAt
		entry.PinnedAt = &at
	} else if entry.IsPinned {
		at := entry.CreatedAt
		entry.PinnedAt = &at
	}
}

// drain processes the admitted entry, then keeps pulling queued entries
// until the queue is empty, preserving submission order within the queue.
func (w *Writer) drain(entry *Entry) {
	defer w.wg.Done()
	w.persist(entry)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.active--
			w.mu.Unlock()
			return
		}
		next := w.queue[0]
		w.queue = w.queue[1:]
		obs.SetAuditQueueDepth(len(w.queue))
		w.mu.Unlock()
		w.persist(next)
	}
}

// persist writes one entry with retries. Transient storage-engine
// crashes are absorbed by the backoff; the handle is re-fetched on every
// attempt so a recreated client is used instead of a torn-down one.
func (w *Writer) persist(entry *Entry) {
	err := retry.Do(context.Background(), w.attempts, w.backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return w.store().Append(ctx, entry)
	})
	if err == nil {
		return
	}
	obs.AuditWriteFailed()
	obs.Error("audit", "audit write dropped after retries", err)
}
