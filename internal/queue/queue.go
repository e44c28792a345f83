// Package queue provides the priority run queue work waits in while every
// concurrency slot is taken.
package queue

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicate = errors.New("queue: item already queued")
	ErrFull      = errors.New("queue: full")
)

// Item is one queued unit of work.
type Item[T any] struct {
	ID         string
	Priority   int
	Value      T
	EnqueuedAt time.Time
}

// Queue orders items by priority, highest first, and by arrival within a
// priority. It is safe for concurrent use.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []Item[T]
	maxSize int
}

// New creates a queue. maxSize <= 0 means unbounded.
func New[T any](maxSize int) *Queue[T] {
	return &Queue[T]{maxSize: maxSize}
}

// Push inserts item behind every item of equal or higher priority.
func (q *Queue[T]) Push(item Item[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrFull
	}
	for _, it := range q.items {
		if it.ID == item.ID {
			return ErrDuplicate
		}
	}

	// Insert by priority (higher priority first)
	at := len(q.items)
	for i, it := range q.items {
		if item.Priority > it.Priority {
			at = i
			break
		}
	}
	q.items = append(q.items, Item[T]{})
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = item
	return nil
}

// Pop removes and returns the head of the queue.
func (q *Queue[T]) Pop() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item[T]{}, false
	}
	head := q.items[0]
	q.items[0] = Item[T]{}
	q.items = q.items[1:]
	return head, true
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item[T]{}, false
	}
	return q.items[0], true
}

// Remove drops the item with id and reports whether it was queued.
func (q *Queue[T]) Remove(id string) (Item[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return it, true
		}
	}
	return Item[T]{}, false
}

// Contains reports whether an item with id is queued.
func (q *Queue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns the queued items in dispatch order.
func (q *Queue[T]) Items() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item[T](nil), q.items...)
}

// Purge removes every item and returns them in dispatch order.
func (q *Queue[T]) Purge() []Item[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
