package syncqueue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileQueue struct {
	path  string
	mu    sync.Mutex
	items []Entry
	index map[Entry]struct{}
}

type fileQueueState struct {
	Items []Entry `json:"items"`
}

// NewFileQueue opens a JSON-file-backed queue. Every mutation is persisted
// with a tmp+rename so a crash mid-write leaves the previous snapshot intact.
func NewFileQueue(path string) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &fileQueue{path: path, index: map[Entry]struct{}{}}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) Add(entry Entry) error {
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
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		delete(q.index, entry)
		return err
	}
	return nil
}

func (q *fileQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.items...)
}

func (q *fileQueue) Remove(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := make(map[Entry]struct{}, len(entries))
	for _, entry := range entries {
		drop[entry] = struct{}{}
	}
	previous := q.items
	kept := make([]Entry, 0, len(q.items))
	for _, item := range q.items {
		if _, gone := drop[item]; gone {
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if err := q.saveLocked(); err != nil {
		q.items = previous
		return err
	}
	for entry := range drop {
		delete(q.index, entry)
	}
	return nil
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, entry := range snapshot.Items {
		if !entry.valid() {
			continue
		}
		if _, exists := q.index[entry]; exists {
			continue
		}
		q.items = append(q.items, entry)
		q.index[entry] = struct{}{}
	}
	return nil
}

func (q *fileQueue) saveLocked() error {
	snapshot := fileQueueState{Items: append([]Entry(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
