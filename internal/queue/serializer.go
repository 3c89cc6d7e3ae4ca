// Package queue serializes work per page: at most one task per page runs at a
// time, later tasks wait in FIFO order, and different pages run in parallel.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/metrics"
)

// Task is one unit of page work. It should perform its downstream side
// effects before returning, since the next task starts as soon as it does.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

type lane struct {
	waiting []*job
}

// Serializer owns one lane per page with queued or running work. A lane is
// removed as soon as it drains.
type Serializer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

func NewSerializer() *Serializer {
	return &Serializer{lanes: make(map[string]*lane)}
}

// Enqueue schedules task for pageID. The returned channel receives the task's
// error (or nil) exactly once.
func (s *Serializer) Enqueue(ctx context.Context, pageID string, task Task) <-chan error {
	j := &job{ctx: ctx, task: task, done: make(chan error, 1)}

	s.mu.Lock()
	if l, ok := s.lanes[pageID]; ok {
		l.waiting = append(l.waiting, j)
		metrics.QueueWaiting.Inc()
		s.mu.Unlock()
		return j.done
	}
	l := &lane{}
	s.lanes[pageID] = l
	s.mu.Unlock()

	go s.drain(pageID, l, j)
	return j.done
}

// Do enqueues task and waits for it.
func (s *Serializer) Do(ctx context.Context, pageID string, task Task) error {
	select {
	case err := <-s.Enqueue(ctx, pageID, task):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serializer) drain(pageID string, l *lane, j *job) {
	for {
		j.done <- run(j)

		s.mu.Lock()
		if len(l.waiting) == 0 {
			if s.lanes[pageID] == l {
				delete(s.lanes, pageID)
			}
			s.mu.Unlock()
			return
		}
		j = l.waiting[0]
		l.waiting = l.waiting[1:]
		metrics.QueueWaiting.Dec()
		s.mu.Unlock()
	}
}

func run(j *job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task panicked: %v", r)
		}
	}()
	return j.task(j.ctx)
}

// Clear drops every task that has not started, resolving it with
// apperr.ErrClosed. Running tasks finish normally.
func (s *Serializer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lanes {
		for _, j := range l.waiting {
			j.done <- fmt.Errorf("queue: cleared: %w", apperr.ErrClosed)
		}
		metrics.QueueWaiting.Sub(float64(len(l.waiting)))
		l.waiting = nil
	}
}

// Depth returns the number of queued and running tasks for pageID.
func (s *Serializer) Depth(pageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[pageID]
	if !ok {
		return 0
	}
	return len(l.waiting) + 1
}

// InFlight returns the number of pages with queued or running work.
func (s *Serializer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}
