// Package queue provides the bounded inbound message ring shared by all
// ingress channels. Producers run from transport callbacks, so enqueue
// never blocks: when the ring is full the oldest entry is dropped in
// favour of the newer one.
package queue

import "sync"

// DefaultCapacity is the number of inbound payloads held before the
// oldest is overwritten.
const DefaultCapacity = 10

// Message is one inbound payload with its optional originator identity
// (caller number for the messaging channel, peer name for the local link).
type Message struct {
	Payload string
	Sender  string
}

// Queue is a fixed-capacity ring with overwrite-oldest semantics.
type Queue struct {
	mu    sync.Mutex
	items []Message
	head  int
	count int
}

// New creates a queue with the given capacity. A capacity of zero or
// less falls back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{items: make([]Message, capacity)}
}

// Push enqueues a message, dropping the oldest entry when full.
// It reports whether an entry was dropped.
func (q *Queue) Push(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.count == len(q.items) {
		// Overwrite oldest: newer payloads reflect more recent intent.
		q.head = (q.head + 1) % len(q.items)
		q.count--
		dropped = true
	}

	tail := (q.head + q.count) % len(q.items)
	q.items[tail] = msg
	q.count++
	return dropped
}

// Pop dequeues the oldest message. The second return is false when the
// queue is empty.
func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Message{}, false
	}

	msg := q.items[q.head]
	q.items[q.head] = Message{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return msg, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
