// Package syncqueue stores the durable dirty-page markers driving the sync
// reconciler. An entry is recorded the moment a page becomes dirty and is
// removed only after a confirmed successful batch commit for that page.
package syncqueue

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Entry marks one dirty page.
type Entry struct {
	ProjectID  string `json:"projectId"`
	PageNumber int    `json:"pageNumber"`
}

func (e Entry) valid() bool {
	return e.ProjectID != "" && e.PageNumber >= 0
}

func (e Entry) String() string {
	return fmt.Sprintf("%s/%d", e.ProjectID, e.PageNumber)
}

// Queue is the durable set of pending sync entries. Add dedups: marking an
// already-dirty page dirty again holds a single entry. Iteration order is
// insertion order.
type Queue interface {
	Add(entry Entry) error
	Snapshot() []Entry
	Remove(entries []Entry) error
	Depth() int
	Close() error
}

type memoryQueue struct {
	mu    sync.Mutex
	items []Entry
	index map[Entry]struct{}
}

func NewMemoryQueue() Queue {
	return &memoryQueue{index: map[Entry]struct{}{}}
}

func (q *memoryQueue) Add(entry Entry) error {
	if !entry.valid() {
		return ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[entry]; exists {
		return nil
	}
	q.items = append(q.items, entry)
	q.index[entry] = struct{}{}
	return nil
}

func (q *memoryQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.items...)
}

func (q *memoryQueue) Remove(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := make(map[Entry]struct{}, len(entries))
	for _, entry := range entries {
		drop[entry] = struct{}{}
	}
	kept := q.items[:0]
	for _, item := range q.items {
		if _, gone := drop[item]; gone {
			delete(q.index, item)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return nil
}

func (q *memoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) Close() error {
	return nil
}
