// Package notify fans task events out to connected observers. Each observer
// follows at most one task at a time.
package notify

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventLog         EventType = "log"
	EventTaskStarted EventType = "task_started"
	EventTaskStopped EventType = "task_stopped"
)

type Event struct {
	Type     EventType
	TaskID   string
	Time     time.Time
	Message  string
	Severity string
}

// Bus delivers without blocking the publisher. A full observer channel drops
// the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

type Subscription struct {
	bus  *Bus
	id   uint64
	ch   chan Event
	task atomic.Pointer[string]
	once sync.Once
}

func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, id: b.seq.Add(1), ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Associate points the observer at taskID, replacing any previous task.
func (s *Subscription) Associate(taskID string) {
	taskID = strings.TrimSpace(taskID)
	s.task.Store(&taskID)
}

func (s *Subscription) TaskID() string {
	if p := s.task.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel. It holds the bus
// write lock so no Publish can be sending on the channel at the same time.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

func (b *Bus) Publish(taskID string, evt Event) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return
	}
	if evt.TaskID == "" {
		evt.TaskID = taskID
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.TaskID() != taskID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
		}
	}
}

// Observers reports how many subscriptions currently follow taskID.
func (b *Bus) Observers(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.TaskID() == taskID {
			n++
		}
	}
	return n
}
