package engine

import (
	"sync"
	"time"
)

// eventBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber this far behind.
const eventBufferSize = 32

// Event types published during a job's lifecycle.
const (
	EventQueued    = "queued"
	EventRunning   = "running"
	EventResult    = "result"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is one lifecycle notification for a job.
type Event struct {
	JobID   string    `json:"job_id"`
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// EventBroker fans job events out to subscribers. It is safe for concurrent use.
//
// Finished jobs keep a closed marker so that a late subscriber receives a
// closed channel instead of waiting forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	done   bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{topics: make(map[string]*eventTopic)}
}

func (b *EventBroker) topic(jobID string) *eventTopic {
	t, ok := b.topics[jobID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[jobID] = t
	}
	return t
}

// Subscribe returns a channel of events for jobID and a function that ends
// the subscription.
func (b *EventBroker) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)
	ch := make(chan Event, eventBufferSize)
	if t.done {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to every current subscriber of ev.JobID without blocking.
func (b *EventBroker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok || t.done {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Finish closes every subscriber channel of jobID. Later subscribers get a
// closed channel.
func (b *EventBroker) Finish(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(jobID)
	t.done = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
