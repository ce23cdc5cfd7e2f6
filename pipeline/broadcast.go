package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/khaledhikmat/perception-go/model"
	"github.com/khaledhikmat/perception-go/service/lgr"
	"github.com/khaledhikmat/perception-go/service/metrics"
)

var (
	ErrSubscriberExists = errors.New("resultbus: subscriber already exists")
	ErrBusClosed        = errors.New("resultbus: bus is closed")
)

type subscriber struct {
	output ResultOutput
	sent   atomic.Uint64
	failed atomic.Uint64
}

// ResultBus delivers every batch of one producer to its subscribers in
// subscription order. Delivery is synchronous; a failing subscriber is
// counted and skipped.
type ResultBus struct {
	mu       sync.RWMutex
	pipeline string
	producer string
	metrics  metrics.IService
	subs     []*subscriber
	closed   bool

	published atomic.Uint64
}

func NewResultBus(pipeline, producer string, m metrics.IService) *ResultBus {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &ResultBus{pipeline: pipeline, producer: producer, metrics: m}
}

func (b *ResultBus) Subscribe(output ResultOutput) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if s.output.Name() == output.Name() {
			return fmt.Errorf("%w: %s", ErrSubscriberExists, output.Name())
		}
	}
	b.subs = append(b.subs, &subscriber{output: output})
	return nil
}

// Publish returns the number of subscribers that failed.
func (b *ResultBus) Publish(batch model.ResultBatch) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	b.published.Add(1)
	failed := 0
	for _, s := range b.subs {
		if err := deliver(s.output, batch); err != nil {
			s.failed.Add(1)
			failed++
			b.metrics.SinkDelivery(b.pipeline, s.output.Name(), false)
			lgr.Logger.Warn("result delivery failed",
				slog.String("pipeline", b.pipeline),
				slog.String("producer", b.producer),
				slog.String("sink", s.output.Name()),
				slog.Any("error", err),
			)
			continue
		}
		s.sent.Add(1)
		b.metrics.SinkDelivery(b.pipeline, s.output.Name(), true)
	}
	return failed
}

// deliver isolates the bus from a panicking sink.
func deliver(output ResultOutput, batch model.ResultBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return output.AcceptResults(batch)
}

func (b *ResultBus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subs))
	for i, s := range b.subs {
		names[i] = s.output.Name()
	}
	return names
}

func (b *ResultBus) Published() uint64 {
	return b.published.Load()
}

func (b *ResultBus) Stats() []model.SinkStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]model.SinkStats, len(b.subs))
	for i, s := range b.subs {
		stats[i] = model.SinkStats{
			Pipeline: b.pipeline,
			Producer: b.producer,
			Sink:     s.output.Name(),
			Sent:     s.sent.Load(),
			Failed:   s.failed.Load(),
		}
	}
	return stats
}

// Close stops delivery. Outputs are closed by their owner.
func (b *ResultBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
