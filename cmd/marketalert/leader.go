package main

import (
	"context"
	"sync"

	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/orchestrator"
	"github.com/Ermey-Enterprises/MemberPropertyMarketAlert-sub003/internal/reconciler"
)

// leaderDuties adapts a blocking loop to the elector callbacks. stop blocks
// until the loop started by the latest start has returned.
type leaderDuties struct {
	run func(ctx context.Context)

	mu   sync.Mutex
	done chan struct{}
}

func (d *leaderDuties) start(ctx context.Context) {
	done := make(chan struct{})
	d.mu.Lock()
	d.done = done
	d.mu.Unlock()

	defer close(done)
	d.run(ctx)
}

func (d *leaderDuties) stop() {
	d.mu.Lock()
	done := d.done
	d.done = nil
	d.mu.Unlock()

	if done != nil {
		<-done
	}
}

// leaderLoops runs the schedule and, when configured, the reconciler until
// ctx is cancelled.
func leaderLoops(ctx context.Context, orch *orchestrator.Orchestrator, recon *reconciler.Reconciler) {
	var wg sync.WaitGroup
	if recon != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recon.Run(ctx)
		}()
	}
	_ = orch.Run(ctx)
	wg.Wait()
}
