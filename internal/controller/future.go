// internal/controller/future.go
package controller

import (
	"context"
	"sync"

	"potentiostat-service/internal/model"
)

// Future is the pending result of one run
type Future struct {
	Technique model.Technique

	once   sync.Once
	done   chan struct{}
	result *model.RunResult
	err    error
}

func newFuture(technique model.Technique) *Future {
	return &Future{Technique: technique, done: make(chan struct{})}
}

func (f *Future) resolve(result *model.RunResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done is closed once the run has finished either way
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the run finishes or ctx ends
func (f *Future) Wait(ctx context.Context) (*model.RunResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether the run has finished
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
