// Package process provides the root cancellable context and goroutine
// bookkeeping every long-running component is constructed against,
// mirroring the teacher's process.ProcessContext.
package process

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"

	"github.com/meshline-im/meshline/internal/logging"
)

// Context wraps a root context.Context plus a WaitGroup so the server can
// track in-flight background goroutines and wait for them to drain on
// shutdown.
type Context struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a root Context derived from context.Background().
func New() *Context {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{ctx: ctx, cancel: cancel}
}

// Context returns the underlying cancellable context.
func (p *Context) Context() context.Context {
	return p.ctx
}

// Go runs fn in a new goroutine tracked by the WaitGroup, recovering and
// reporting any panic to Sentry rather than crashing the process — the
// same defensive wrapper the teacher applies around background consumer
// loops.
func (p *Context) Go(name string, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Logger(name).WithField("panic", r).Error("recovered from panic in background task")
				sentry.CurrentHub().Recover(r)
			}
		}()
		fn(p.ctx)
	}()
}

// Shutdown cancels the root context and waits for all tracked goroutines
// to return.
func (p *Context) Shutdown() {
	p.cancel()
	p.wg.Wait()
}
