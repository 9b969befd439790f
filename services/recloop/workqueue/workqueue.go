// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workqueue runs background jobs serialized per key.
//
// Jobs sharing a key run one at a time in submission order. Jobs with
// different keys run concurrently, bounded by a global semaphore.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("work queue closed")

// DefaultMaxConcurrent bounds jobs running across all keys.
const DefaultMaxConcurrent = 8

// Job is one unit of background work.
type Job struct {
	// ID identifies the job in logs. Optional.
	ID string

	// Key serializes jobs. Jobs with equal keys never overlap.
	Key string

	// Run does the work. It receives the queue's context, which is
	// cancelled when Close gives up waiting.
	Run func(ctx context.Context) error
}

// Result is the outcome of a finished job.
type Result struct {
	ID       string
	Key      string
	Err      error
	Duration time.Duration
}

// Handle lets a submitter wait for its job.
type Handle struct {
	done   chan struct{}
	result Result
}

// Done is closed when the job finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type entry struct {
	job    Job
	handle *Handle
}

type lane struct {
	pending []entry
}

// Queue is a keyed serial job queue.
//
// Thread Safety: Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	onDone func(Result)
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxConcurrent bounds concurrently running jobs across keys.
func WithMaxConcurrent(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithResultHook is called after every job, from the job's goroutine.
func WithResultHook(fn func(Result)) Option {
	return func(q *Queue) { q.onDone = fn }
}

// New creates a running queue.
func New(opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*lane),
		sem:    make(chan struct{}, DefaultMaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues a job behind any pending jobs with the same key.
//
// Outputs:
//
//	*Handle - Completes when the job has run.
//	error - ErrQueueClosed after Close.
func (q *Queue) Submit(job Job) (*Handle, error) {
	if job.Run == nil {
		return nil, fmt.Errorf("submit %q: nil Run", job.ID)
	}
	h := &Handle{done: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	l, ok := q.lanes[job.Key]
	if !ok {
		l = &lane{}
		q.lanes[job.Key] = l
	}
	l.pending = append(l.pending, entry{job: job, handle: h})
	if !ok {
		q.wg.Add(1)
		go q.drain(job.Key, l)
	}
	return h, nil
}

// Pending returns the number of queued or running jobs for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.pending)
	}
	return 0
}

// drain runs a lane's jobs in order and removes the lane when empty.
func (q *Queue) drain(key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		next := l.pending[0]
		q.mu.Unlock()

		q.run(next)

		q.mu.Lock()
		l.pending = l.pending[1:]
		q.mu.Unlock()
	}
}

func (q *Queue) run(e entry) {
	select {
	case q.sem <- struct{}{}:
	case <-q.ctx.Done():
		q.finish(e, Result{ID: e.job.ID, Key: e.job.Key, Err: q.ctx.Err()})
		return
	}
	defer func() { <-q.sem }()

	start := time.Now()
	err := q.safeRun(e.job)
	res := Result{ID: e.job.ID, Key: e.job.Key, Err: err, Duration: time.Since(start)}
	if err != nil {
		q.logger.Warn("background job failed",
			slog.String("job_id", e.job.ID),
			slog.String("key", e.job.Key),
			slog.String("error", err.Error()),
		)
	}
	q.finish(e, res)
}

func (q *Queue) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", job.ID, r)
		}
	}()
	return job.Run(q.ctx)
}

func (q *Queue) finish(e entry, res Result) {
	e.handle.result = res
	close(e.handle.done)
	if q.onDone != nil {
		q.onDone(res)
	}
}

// Close stops accepting jobs and waits for queued jobs to finish.
//
// If ctx expires first, running jobs are cancelled through their context
// and Close returns ctx.Err() once they have returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
