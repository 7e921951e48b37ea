// Package pool is the recovery run's driver: it resolves which ranges an
// address owns, fans them out across a bounded worker pool, and aggregates
// each range's (ok, stats) result. It is the Go replacement for
// original_source/dc.py's main(), with multiprocessing.Pool.imap_unordered
// replaced by a worker-goroutine group and pool.terminate() replaced by
// context cancellation.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dc-recover/internal/reconcile"
	"dc-recover/internal/routing"
)

// rangeResult is one worker's outcome for one range.
type rangeResult struct {
	ok bool
}

// Run resolves rc.GroupID from rc.Routes, enumerates the ranges rc.Address
// owns, and processes them with min(rc.NProcess, len(ranges)) concurrent
// workers. It returns false if any range failed to fully recover, or if the
// operator cancelled via SIGINT/SIGTERM before every range finished.
func Run(ctx context.Context, rc *routing.Context, reconciler *reconcile.Reconciler) (bool, error) {
	owned := rc.Routes.FilterByAddress(rc.Address)
	if len(owned) == 0 {
		return false, fmt.Errorf("pool: address %s is not present in the routing table", rc.Address)
	}
	rc.GroupID = owned[0].EID.GroupID

	rc.Log.Infow("searching for ranges to recover", "address", rc.Address)
	ranges := rc.Routes.RangesByAddress(rc.Address)
	rc.Log.Debugw("recovery ranges", "count", len(ranges))
	if len(ranges) == 0 {
		rc.Log.Warnw("no ranges to recover for address", "address", rc.Address)
		return true, nil
	}

	workers := rc.NProcess
	if workers > len(ranges) {
		workers = len(ranges)
	}
	rc.Log.Debugw("created worker pool", "workers", workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
			rc.Log.Errorw("caught interrupt, cancelling in-flight ranges")
			cancel()
		case <-ctx.Done():
		}
	}()

	work := make(chan routing.Range)
	results := make(chan rangeResult, len(ranges))

	for i := 0; i < workers; i++ {
		go func() {
			for rng := range work {
				ok, _ := reconciler.Run(ctx, rc, rng)
				results <- rangeResult{ok: ok}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, rng := range ranges {
			select {
			case work <- rng:
			case <-ctx.Done():
				return
			}
		}
	}()

	result := true
	received := 0
	for received < len(ranges) {
		select {
		case r := <-results:
			received++
			result = result && r.ok
		case <-ctx.Done():
			if ctx.Err() != nil && received < len(ranges) {
				return false, nil
			}
		}
	}

	return result, nil
}
