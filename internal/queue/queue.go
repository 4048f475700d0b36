// Package queue abstracts the transport a mirror write job travels
// over between being enqueued by Reconcile and being picked up by a
// Writer. The core depends only on Sender/Receiver; MemoryQueue backs
// single-process tests and small deployments, RedisQueue backs a real
// multi-worker daemon.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/calendarfed/tminus/internal/model"
)

// Message wraps a MirrorJob with the delivery metadata a Receiver
// needs to acknowledge it.
type Message struct {
	Job   model.MirrorJob
	AckID string
}

type Sender interface {
	Send(ctx context.Context, job model.MirrorJob) error
}

type Receiver interface {
	Receive(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, ackID string) error
}

// MemoryQueue is an in-process FIFO Sender+Receiver, deduplicating by
// MirrorJob.IdempotencyKey() so a Reconcile pass re-enqueuing an
// already-pending job doesn't double the writer's work.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Message
	inFlight map[string]Message
	seen    map[string]bool
	seq     int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{inFlight: map[string]Message{}, seen: map[string]bool{}}
}

func (q *MemoryQueue) Send(ctx context.Context, job model.MirrorJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := job.IdempotencyKey()
	if q.seen[key] {
		return nil
	}
	q.seen[key] = true
	q.seq++
	q.pending = append(q.pending, Message{Job: job, AckID: fmt.Sprintf("%d", q.seq)})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.pending) {
		max = len(q.pending)
	}
	out := q.pending[:max]
	q.pending = q.pending[max:]
	for _, m := range out {
		q.inFlight[m.AckID] = m
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, ackID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inFlight[ackID]
	if !ok {
		return nil
	}
	delete(q.inFlight, ackID)
	delete(q.seen, m.Job.IdempotencyKey())
	return nil
}

func marshalJob(job model.MirrorJob) (string, error) {
	buf, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal mirror job: %w", err)
	}
	return string(buf), nil
}

func unmarshalJob(raw string) (model.MirrorJob, error) {
	var job model.MirrorJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return model.MirrorJob{}, fmt.Errorf("unmarshal mirror job: %w", err)
	}
	return job, nil
}
