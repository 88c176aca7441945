package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/researchops/gatekeeper/internal/logging"
)

// DefaultQueueSize bounds the event queue.
const DefaultQueueSize = 100

// Manager fans scheduler events out to notifiers through an async
// bounded queue so notification delivery never blocks a rotation pass.
type Manager struct {
	log       *logging.Logger
	notifiers []Notifier
	queue     chan Event
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}

	droppedMu    sync.Mutex
	droppedCount int64
}

// NewManager creates a fan-out manager. queueSize <= 0 selects the default.
func NewManager(log *logging.Logger, queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		log:   log,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
}

// Register adds a notifier.
func (m *Manager) Register(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Start launches the delivery worker.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop shuts the worker down after draining pending events.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues an event. Never blocks; a full queue drops the event and
// bumps the counter.
func (m *Manager) Send(event Event) {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return
	}

	select {
	case m.queue <- event:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()
	}
}

// DroppedCount reports events lost to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case <-m.done:
			m.drain()
			return
		case event := <-m.queue:
			m.dispatch(ctx, event)
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case event := <-m.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.dispatch(ctx, event)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, event Event) {
	m.mu.RLock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.RUnlock()

	for _, n := range notifiers {
		if !n.SupportsEvent(event.Type) {
			continue
		}
		if err := n.Send(ctx, event); err != nil {
			m.log.Warn("notifier %s failed for %s event: %v", n.Name(), event.Type, err)
		}
	}
}
