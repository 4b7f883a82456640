// Package liveness runs per-connection heartbeats and the periodic presence
// sweep. Timers fire on their own goroutines but every callback is posted to
// the event loop, so registry and fanout are only ever touched there.
package liveness

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Poster queues fn on the event loop. It blocks until fn is queued, ctx is
// done or the loop has stopped, and reports whether fn was queued.
type Poster interface {
	Post(ctx context.Context, fn func()) bool
}

// Ticker posts a callback to the loop at a fixed interval.
type Ticker struct {
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
}

// Every starts a ticker. The first callback fires one interval from now.
func Every(loop Poster, interval time.Duration, fn func()) *Ticker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticker{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				loop.Post(ctx, func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()
	return t
}

// Stop cancels the ticker and waits for its goroutine to exit. A callback
// already queued on the loop becomes a no-op. Stop is idempotent and safe to
// call from the loop itself.
func (t *Ticker) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.cancel()
	})
	<-t.done
}
