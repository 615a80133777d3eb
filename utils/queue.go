package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("amelisa: feed/drain queue is closed")
var ErrOverflow = errors.New("amelisa: feed/drain queue is overflowed")

// FDQueue buffers outgoing record batches between a producer (Drain) and a
// consumer (Feed). Feed blocks until records arrive, the queue closes, or
// the time limit passes.
type FDQueue[T ~[][]byte] struct {
	ctx       context.Context
	close     context.CancelFunc
	timelimit time.Duration
	maxSize   int

	mu     sync.Mutex
	accum  T
	signal chan struct{}
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &FDQueue[T]{
		ctx:       ctx,
		close:     cancel,
		timelimit: timelimit,
		maxSize:   limit,
		signal:    make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	q.mu.Lock()
	q.accum = nil
	q.mu.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.accum)
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.maxSize > 0 && len(q.accum)+len(recs) > q.maxSize {
		q.mu.Unlock()
		return ErrOverflow
	}
	q.accum = append(q.accum, recs...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *FDQueue[T]) Feed(ctx context.Context) (T, error) {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()

	for {
		if q.ctx.Err() != nil {
			return nil, ErrClosed
		}

		q.mu.Lock()
		if len(q.accum) > 0 {
			recs := q.accum
			q.accum = nil
			q.mu.Unlock()
			return recs, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.ctx.Done():
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}
}
