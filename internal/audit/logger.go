package audit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/researchops/gatekeeper/internal/health"
	"github.com/researchops/gatekeeper/internal/logging"
)

const (
	// DefaultFallbackSize bounds the in-memory queue between callers and
	// the store writer.
	DefaultFallbackSize = 256
	// flushInterval is how often the background worker retries queued
	// entries when the store is down.
	flushInterval = 5 * time.Second
	// appendTimeout bounds each store write so the worker notices a
	// stalled store instead of hanging on it.
	appendTimeout = 2 * time.Second
)

// Logger appends audit entries without ever failing or stalling the
// caller's primary operation. Append only queues; a background worker
// performs every durable write. When the store errors, entries stay in
// the bounded queue, the degraded flag rises, and the worker retries
// until the store recovers.
type Logger struct {
	store   Store
	log     *logging.Logger
	metrics *health.Metrics
	now     func() time.Time

	fallback chan Entry
	wake     chan struct{}
	degraded atomic.Bool
	dropped  atomic.Int64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// LoggerOptions tune the audit logger. Zero values select defaults.
type LoggerOptions struct {
	FallbackSize int
	Clock        func() time.Time
}

// NewLogger builds an audit logger over the given store.
func NewLogger(store Store, log *logging.Logger, metrics *health.Metrics, opts LoggerOptions) *Logger {
	if opts.FallbackSize <= 0 {
		opts.FallbackSize = DefaultFallbackSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Logger{
		store:    store,
		log:      log,
		metrics:  metrics,
		now:      opts.Clock,
		fallback: make(chan Entry, opts.FallbackSize),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush worker.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.worker()
}

// Stop flushes what it can and shuts the worker down.
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}

// Append records an entry. It never returns an error and never touches
// the store on the caller's goroutine: the entry is queued and the
// background worker performs the durable write. A full queue drops the
// entry and counts the loss.
func (l *Logger) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}

	select {
	case l.fallback <- e:
		l.metrics.SetAuditFallbackDepth(len(l.fallback))
		l.kick()
	default:
		// Queue full. Losing an entry is the last resort; count it so
		// operators can see the gap.
		l.dropped.Add(1)
		l.metrics.RecordAuditDropped()
	}
}

// kick nudges the worker without blocking.
func (l *Logger) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Degraded reports whether entries are waiting in memory instead of the
// durable store. Surfaced through the health monitor, never through the
// access path.
func (l *Logger) Degraded() bool {
	return l.degraded.Load() || len(l.fallback) > 0
}

// Dropped returns how many entries were lost to a full fallback queue.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Query returns entries matching the filter in ascending id order.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return l.store.Query(ctx, f)
}

// PurgeBefore applies the retention policy and audits the purge itself.
func (l *Logger) PurgeBefore(ctx context.Context, cutoff time.Time, actor string) (int, error) {
	removed, err := l.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	l.Append(Entry{
		Actor:    actor,
		Action:   ActionRetentionPurged,
		Provider: "-",
		Severity: SeverityWarning,
		Outcome:  OutcomeSuccess,
		Detail: map[string]string{
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
			"removed": strconv.Itoa(removed),
		},
	})
	return removed, nil
}

func (l *Logger) worker() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			l.Flush()
			return
		case <-l.wake:
			l.Flush()
		case <-ticker.C:
			l.Flush()
		}
	}
}

// Flush writes queued entries to the store until the queue drains or a
// write fails. The worker calls it on every append and retry tick;
// collaborators that need read-your-writes before Stop may call it
// directly. The degraded flag clears only when the queue fully drains.
func (l *Logger) Flush() {
	for {
		select {
		case e := <-l.fallback:
			ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
			_, err := l.store.Insert(ctx, &e)
			cancel()
			if err != nil {
				if l.degraded.CompareAndSwap(false, true) {
					l.log.Error("audit store unavailable, buffering entries: %v", err)
				}
				// Still down. Put it back if there is room.
				select {
				case l.fallback <- e:
				default:
					l.dropped.Add(1)
					l.metrics.RecordAuditDropped()
				}
				l.metrics.SetAuditFallbackDepth(len(l.fallback))
				return
			}
			l.metrics.SetAuditFallbackDepth(len(l.fallback))
		default:
			if l.degraded.CompareAndSwap(true, false) {
				l.log.Info("audit store recovered, queue drained")
			}
			return
		}
	}
}
