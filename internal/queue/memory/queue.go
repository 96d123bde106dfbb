// Package memory provides a queue implementation for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// Queue is a bounded in-memory queue with context-aware operations. Receipts
// are tracked so Delete behaves like the remote backend, but messages are not
// redelivered; there is no visibility timeout in memory.
type Queue struct {
	ch chan granule.DownloadMessage

	mu       sync.Mutex
	inflight map[string]granule.DownloadMessage
	closed   bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:       make(chan granule.DownloadMessage, capacity),
		inflight: make(map[string]granule.DownloadMessage),
	}
}

// Send pushes a message into the queue or returns if the context ends.
func (q *Queue) Send(ctx context.Context, msg granule.DownloadMessage) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("send canceled: %w", ctx.Err())
	case q.ch <- msg:
		return nil
	}
}

// Receive pops the next message, respecting context cancellation.
func (q *Queue) Receive(ctx context.Context) (granule.ReceivedMessage, error) {
	select {
	case <-ctx.Done():
		return granule.ReceivedMessage{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case msg, ok := <-q.ch:
		if !ok {
			return granule.ReceivedMessage{}, errors.New("queue closed")
		}
		receipt := uuid.NewString()
		q.mu.Lock()
		q.inflight[receipt] = msg
		q.mu.Unlock()
		return granule.ReceivedMessage{Message: msg, Receipt: receipt}, nil
	}
}

// Delete acknowledges a received message.
func (q *Queue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[receipt]; !ok {
		return fmt.Errorf("unknown receipt %q", receipt)
	}
	delete(q.inflight, receipt)
	return nil
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
