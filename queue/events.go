package queue

import "time"

// EventKind identifies a job lifecycle transition.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventUpdated   EventKind = "updated"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is a job lifecycle notification delivered to subscribers.
type Event struct {
	Kind      EventKind `json:"kind"`
	JobID     string    `json:"job_id"`
	Type      JobType   `json:"type"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscribe registers a new lifecycle event observer and returns its
// channel. Delivery is best effort: a subscriber that stops draining its
// channel misses events rather than blocking state transitions.
func (q *Queue) Subscribe() <-chan Event {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	ch := make(chan Event, 64)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// publish fans an event out to all subscribers. Publication failure
// (a full subscriber buffer) is logged at debug level and never blocks
// the state transition that produced the event.
func (q *Queue) publish(ev Event) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default:
			q.log.Debugf("dropping %s event for job %s: subscriber not draining", ev.Kind, ev.JobID)
		}
	}
}
