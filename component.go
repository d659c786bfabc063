package sqljobstore

import (
	"context"
	"sync"

	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/golly/lifecycle"
)

// newMaintenanceComponent wraps a long-running runner (the counters
// aggregator's or expiration manager's Run loop) as a
// lifecycle.SimpleComponent: Start launches it in a goroutine and returns
// immediately, Stop cancels its context and waits for it to exit
// (SPEC_FULL.md §2 "Maintenance runner").
func newMaintenanceComponent(id string, runner func(ctx context.Context) error, logger l3.Logger) *lifecycle.SimpleComponent {
	if logger == nil {
		logger = l3.Get()
	}

	var (
		mu     sync.Mutex
		cancel context.CancelFunc
		done   chan struct{}
	)

	comp := &lifecycle.SimpleComponent{CompId: id}
	comp.StartFunc = func() error {
		ctx, cancelFn := context.WithCancel(context.Background())
		d := make(chan struct{})

		mu.Lock()
		cancel = cancelFn
		done = d
		mu.Unlock()

		go func() {
			defer close(d)
			if err := runner(ctx); err != nil && ctx.Err() == nil {
				logger.ErrorF("sqljobstore: component %q exited: %v", id, err)
			}
		}()
		return nil
	}
	comp.StopFunc = func() error {
		mu.Lock()
		c, d := cancel, done
		mu.Unlock()
		if c == nil {
			return nil
		}
		c()
		if d != nil {
			<-d
		}
		return nil
	}
	return comp
}
