package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrRequestRunning = errors.New("request has not completed")

// Request is a pollable handle on one asynchronous execution.
type Request struct {
	ID      string
	Size    int
	Started time.Time

	done     chan struct{}
	once     sync.Once
	output   Tensor
	err      error
	finished time.Time
	cancel   context.CancelFunc
}

// NewRequest creates a handle for size inputs. A non-nil cancel marks the
// request as abortable.
func NewRequest(size int, cancel context.CancelFunc) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Size:    size,
		Started: time.Now(),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

// Complete records the outcome. Only the first call has an effect.
func (r *Request) Complete(output Tensor, err error) {
	r.once.Do(func() {
		r.output = output
		r.err = err
		r.finished = time.Now()
		close(r.done)
	})
}

// Execute runs fn and completes the request with its outcome. A panic in fn
// completes the request with an error instead of unwinding the caller.
func (r *Request) Execute(fn func() (Tensor, error)) {
	defer func() {
		if p := recover(); p != nil {
			r.Complete(Tensor{}, fmt.Errorf("engine panic: %v", p))
		}
	}()
	r.Complete(fn())
}

// Completed polls the request without blocking.
func (r *Request) Completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result returns the output of a completed request.
func (r *Request) Result() (Tensor, error) {
	if !r.Completed() {
		return Tensor{}, ErrRequestRunning
	}
	return r.output, r.err
}

// Latency is the execution time of a completed request.
func (r *Request) Latency() time.Duration {
	if !r.Completed() {
		return 0
	}
	return r.finished.Sub(r.Started)
}

// Wait blocks until the request completes or ctx ends.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort asks the engine to stop the request. It reports false when the
// engine has no cancel primitive; the request must then be drained.
func (r *Request) Abort() bool {
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}
