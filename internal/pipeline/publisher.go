// internal/pipeline/publisher.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"potentiostat-service/internal/model"
)

// Record is a finished run on its way to the sinks. Result is nil when the run
// failed or was cancelled.
type Record struct {
	RunID      uuid.UUID
	Technique  model.Technique
	Parameters model.JSONObject
	RangeIndex int
	Result     *model.RunResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the record carries data
func (r *Record) Succeeded() bool {
	return r.Err == nil && r.Result != nil
}

// Sink consumes finished runs
type Sink interface {
	Name() string
	Consume(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to Sink
type SinkFunc struct {
	Label string
	Fn    func(ctx context.Context, rec *Record) error
}

// Name returns the label
func (s SinkFunc) Name() string { return s.Label }

// Consume calls Fn
func (s SinkFunc) Consume(ctx context.Context, rec *Record) error { return s.Fn(ctx, rec) }

// Publisher fans each record out to every registered sink in registration order
type Publisher struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
}

// NewPublisher creates a publisher with no sinks
func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger.With(zap.String("component", "pipeline"))}
}

// AddSink registers a sink
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Publish delivers rec to all sinks. One failing sink does not stop the others.
func (p *Publisher) Publish(ctx context.Context, rec *Record) error {
	p.mu.RLock()
	sinks := make([]Sink, len(p.sinks))
	copy(sinks, p.sinks)
	p.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Consume(ctx, rec); err != nil {
			p.logger.Error("Sink rejected run",
				zap.String("sink", s.Name()),
				zap.String("run_id", rec.RunID.String()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LatestCache keeps the most recent successful run in memory
type LatestCache struct {
	mu     sync.RWMutex
	latest *Record
}

// Name identifies the sink
func (c *LatestCache) Name() string { return "latest" }

// Consume stores rec if it carries data
func (c *LatestCache) Consume(ctx context.Context, rec *Record) error {
	if !rec.Succeeded() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = rec
	return nil
}

// Latest returns the most recent successful run, or nil
func (c *LatestCache) Latest() *Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
