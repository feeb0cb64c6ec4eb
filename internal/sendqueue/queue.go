// Package sendqueue implements the bounded, time-ordered queue of messages waiting to be delivered.
// Many producers can admit messages concurrently, while a single consumer dequeues them in order of their send time.
package sendqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCapacity is the default maximum number of messages in the queue.
const DefaultCapacity = 300

var ErrInvalidCapacity = errors.New("queue capacity must be greater than zero")

// Queue is a bounded queue of messages ordered by send time.
//
// The capacity accounts for both messages waiting in the queue and messages that were dequeued with Get and are in flight.
// An in-flight message keeps its slot until it's returned with Put or released with Done, so re-enqueueing a message is never rejected.
type Queue struct {
	mu       sync.Mutex
	items    messageHeap
	seq      uint64
	inFlight int
	capacity int

	// Channel closed when a message is inserted
	// It's created lazily, only when there's someone waiting on it
	changed chan struct{}
}

// New returns a new Queue with the given capacity.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}

	return &Queue{
		items:    make(messageHeap, 0, capacity),
		capacity: capacity,
	}, nil
}

// Accept admits a new message with the given body, received at now.
// Returns false without blocking if the queue is at capacity, in which case the payload is dropped.
func (q *Queue) Accept(now time.Time, body []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items)+q.inFlight >= q.capacity {
		return false
	}

	q.insert(NewMessage(now, body))
	return true
}

// Get blocks until there's at least one message in the queue, then removes and returns the one with the earliest send time.
// The returned message is in flight until it's passed to Put or Done.
// Returns an error if the context is canceled while waiting.
func (q *Queue) Get(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(queueItem)
			q.inFlight++
			q.mu.Unlock()
			return item.msg, nil
		}
		ch := q.changedCh()
		q.mu.Unlock()

		select {
		case <-ch:
			// Try again
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Put re-inserts a message that was previously returned by Get.
// This is used for both messages that are not due yet and for messages being retried.
// It never rejects a message, even if producers have filled the queue in the meanwhile: the message's slot was reserved while it was in flight.
func (q *Queue) Put(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
	q.insert(msg)
}

// Done releases the slot of an in-flight message that reached a terminal state (delivered or dead-lettered).
func (q *Queue) Done() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.mu.Unlock()
}

// NextDue returns the send time of the earliest message in the queue, and false if the queue is empty.
// It also returns a channel that is closed the next time a message is inserted.
func (q *Queue) NextDue() (time.Time, bool, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := q.changedCh()
	if len(q.items) == 0 {
		return time.Time{}, false, ch
	}
	return q.items[0].msg.sendAt, true, ch
}

// Len returns the number of messages in the queue, including those in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inFlight
}

// Capacity returns the maximum number of messages in the queue.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Must be called while holding the lock.
func (q *Queue) insert(msg Message) {
	q.seq++
	heap.Push(&q.items, queueItem{msg: msg, seq: q.seq})

	// Wake up waiters
	if q.changed != nil {
		close(q.changed)
		q.changed = nil
	}
}

// Must be called while holding the lock.
func (q *Queue) changedCh() chan struct{} {
	if q.changed == nil {
		q.changed = make(chan struct{})
	}
	return q.changed
}
