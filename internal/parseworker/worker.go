// Package parseworker decodes large JSON documents off the caller's
// goroutine. A single worker goroutine consumes parse jobs; callers are
// multiplexed through monotonically increasing job IDs and race the result
// against a fixed timeout.
package parseworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrParseTimeout  = errors.New("parse timed out")
	ErrWorkerCrashed = errors.New("parse worker crashed")
)

const defaultTimeout = 30 * time.Second

type decodeFunc func(text string) (any, error)

type parseResult struct {
	value any
	err   error
}

type parseJob struct {
	id   uint64
	text string
}

type Options struct {
	Timeout time.Duration
	Logger  Logger

	// decode is replaceable in tests to simulate slow or crashing decodes.
	decode decodeFunc
}

type Logger interface {
	Printf(format string, args ...any)
}

// Worker runs JSON decoding on one background goroutine. A crash of that
// goroutine rejects every pending job; the next Parse starts a fresh one.
type Worker struct {
	timeout time.Duration
	logger  Logger
	decode  decodeFunc

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan parseResult
	jobs    chan parseJob
	running bool
}

func NewWorker(opts Options) *Worker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	decode := opts.decode
	if decode == nil {
		decode = decodeJSON
	}
	return &Worker{
		timeout: timeout,
		logger:  opts.Logger,
		decode:  decode,
		pending: map[uint64]chan parseResult{},
	}
}

// Parse decodes jsonText off the calling goroutine and returns the decoded
// value, the worker's parse error, or ErrParseTimeout if no response arrives
// within the timeout window. Each call is an independent job; no ordering is
// guaranteed between concurrent calls.
func (w *Worker) Parse(ctx context.Context, jsonText string) (any, error) {
	result := make(chan parseResult, 1)

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.pending[id] = result
	w.ensureStartedLocked()
	jobs := w.jobs
	w.mu.Unlock()

	select {
	case jobs <- parseJob{id: id, text: jsonText}:
	case <-ctx.Done():
		w.release(id)
		return nil, ctx.Err()
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	case <-timer.C:
		w.release(id)
		return nil, fmt.Errorf("%w after %s (job %d)", ErrParseTimeout, w.timeout, id)
	case <-ctx.Done():
		w.release(id)
		return nil, ctx.Err()
	}
}

// Pending reports the number of jobs awaiting a worker response.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) ensureStartedLocked() {
	if w.running {
		return
	}
	w.jobs = make(chan parseJob, 16)
	w.running = true
	go w.run(w.jobs)
}

func (w *Worker) run(jobs chan parseJob) {
	defer func() {
		if r := recover(); r != nil {
			w.logf("parse worker crashed: %v", r)
			w.crash(jobs)
		}
	}()
	for job := range jobs {
		value, err := w.decode(job.text)
		w.deliver(job.id, parseResult{value: value, err: err})
	}
}

// crash rejects every pending job, not just the one that blew up, and marks
// the worker stopped so the next Parse restarts it.
func (w *Worker) crash(jobs chan parseJob) {
	w.mu.Lock()
	if w.jobs == jobs {
		w.running = false
		w.jobs = nil
	}
	stranded := w.pending
	w.pending = map[uint64]chan parseResult{}
	w.mu.Unlock()

	for _, ch := range stranded {
		ch <- parseResult{err: ErrWorkerCrashed}
	}
}

func (w *Worker) deliver(id uint64, res parseResult) {
	w.mu.Lock()
	ch, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if ok {
		// Buffered; never blocks even if the caller already timed out.
		ch <- res
	}
}

func (w *Worker) release(id uint64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

func decodeJSON(text string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, err
	}
	return value, nil
}
