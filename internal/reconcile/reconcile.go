// Package reconcile drives the four-stage pipeline — iterate, sort, diff,
// merge-split — for a single key range, then hands the resulting recovery
// plan to internal/recoverexec. It is the direct translation of
// original_source/dc.py's run_iterators/sort/diff/process_range.
package reconcile

import (
	"context"
	"fmt"

	"dc-recover/internal/iterresult"
	"dc-recover/internal/record"
	"dc-recover/internal/recoverexec"
	"dc-recover/internal/routing"
	"dc-recover/internal/stats"
	"dc-recover/internal/storeclient"
)

// IteratorDialer opens an IteratorClient that talks to address.
type IteratorDialer func(address string) (storeclient.IteratorClient, error)

// Reconciler processes one range at a time. A fresh Reconciler (or at least
// fresh dialers) should back each worker in the pool, so no node or session
// crosses a goroutine boundary.
type Reconciler struct {
	DialNode     recoverexec.NodeDialer
	DialIterator IteratorDialer
}

// New builds a Reconciler from its two dial functions.
func New(dialNode recoverexec.NodeDialer, dialIterator IteratorDialer) *Reconciler {
	return &Reconciler{DialNode: dialNode, DialIterator: dialIterator}
}

// Run processes one range to completion, returning whether it fully
// succeeded and the range-scoped stats sink it was charged against. It
// never panics out to the caller: an unexpected failure deep in a stage is
// recovered and converted to (false, stats) instead of taking down the
// worker that owns this range.
func (rec *Reconciler) Run(ctx context.Context, rc *routing.Context, rng routing.Range) (ok bool, sink *stats.Sink) {
	sink = rc.Stats.Range(rng.String())

	defer func() {
		if r := recover(); r != nil {
			rc.Log.Errorw("range recovery panicked", "range", rng.String(), "panic", r)
			ok = false
		}
	}()

	ok, err := rec.run(ctx, rc, rng, sink)
	if err != nil {
		rc.Log.Errorw("range recovery failed", "range", rng.String(), "error", err)
		return false, sink
	}
	return ok, sink
}

func (rec *Reconciler) run(ctx context.Context, rc *routing.Context, rng routing.Range, sink *stats.Sink) (bool, error) {
	local, remotes, err := rec.runIterators(ctx, rc, rng, sink)
	if err != nil {
		rc.Log.Warnw("iteration failed, skipping range", "range", rng.String(), "error", err)
		return true, nil
	}
	defer local.Close()
	defer closeAll(remotes)

	if len(remotes) == 0 {
		rc.Log.Warnw("iterator results are empty, skipping", "range", rng.String())
		return true, nil
	}

	var sortErr error
	sink.Time("sort", func() error {
		sortErr = rec.sort(local, remotes)
		return sortErr
	})
	if sortErr != nil {
		sink.Counter("sort", -1)
		return false, fmt.Errorf("sort %s: %w", rng.String(), sortErr)
	}

	var diffs []*iterresult.Result
	var diffErr error
	sink.Time("diff", func() error {
		diffs, diffErr = rec.diff(rc, local, remotes, sink)
		return diffErr
	})
	if diffErr != nil {
		return false, fmt.Errorf("diff %s: %w", rng.String(), diffErr)
	}
	if len(diffs) == 0 {
		rc.Log.Infow("diff results are empty, skipping", "range", rng.String())
		return true, nil
	}

	var splitted []*iterresult.Result
	var mergeErr error
	sink.Time("merge and split", func() error {
		splitted, mergeErr = iterresult.Merge(rc.TmpDir, diffs)
		return mergeErr
	})
	closeAll(diffs)
	if mergeErr != nil {
		return false, fmt.Errorf("merge %s: %w", rng.String(), mergeErr)
	}

	if rc.DryRun {
		closeAll(splitted)
		return true, nil
	}

	var recovered bool
	var recoverErr error
	sink.Time("recover", func() error {
		recovered, recoverErr = recoverexec.Recover(ctx, rc, splitted, rec.DialNode, sink)
		return recoverErr
	})
	if recoverErr != nil {
		return false, fmt.Errorf("recover %s: %w", rng.String(), recoverErr)
	}
	return recovered, nil
}

// runIterators runs the local iterator for rc.GroupID and one remote
// iterator per other group in rng.Address. A local iterator failure aborts
// the whole range (returned as an error); a single remote failure only
// drops that remote, the rest of the range proceeds without it.
func (rec *Reconciler) runIterators(ctx context.Context, rc *routing.Context, rng routing.Range, sink *stats.Sink) (*iterresult.Result, []*iterresult.Result, error) {
	localGA, ok := rng.Address[rc.GroupID]
	if !ok {
		return nil, nil, fmt.Errorf("range %s has no address for local group %d", rng.String(), rc.GroupID)
	}

	localIt, err := rec.DialIterator(rc.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("dial local iterator %s: %w", rc.Address, err)
	}

	tsRange := storeclient.TimeRange{From: rc.Timestamp}
	local, err := localIt.Start(ctx, localGA.EID, tsRange, []record.KeyRange{rng.IDRange}, rc.TmpDir, rc.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("local iterator: %w", err)
	}

	sink.Counter("local_records", int64(local.Length()))
	sink.Counter("iterated_keys", int64(local.Length()))
	sink.Counter("iterations", 1)

	var remotes []*iterresult.Result
	for groupID, ga := range rng.Address {
		if groupID == rc.GroupID {
			continue
		}
		if !inGroups(rc.Groups, groupID) {
			continue
		}

		remoteIt, err := rec.DialIterator(ga.Address)
		if err != nil {
			rc.Log.Warnw("dial remote iterator failed, skipping", "address", ga.Address, "error", err)
			continue
		}

		remote, err := remoteIt.Start(ctx, ga.EID, tsRange, []record.KeyRange{rng.IDRange}, rc.TmpDir, ga.Address)
		if err != nil || remote.Length() == 0 {
			rc.Log.Warnw("remote iterator result is empty, skipping", "address", ga.Address, "error", err)
			if remote != nil {
				remote.Close()
			}
			continue
		}

		sink.Counter("remote_records", int64(remote.Length()))
		sink.Counter("iterated_keys", int64(remote.Length()))
		sink.Counter("iterations", 1)
		remotes = append(remotes, remote)
	}

	return local, remotes, nil
}

func (rec *Reconciler) sort(local *iterresult.Result, remotes []*iterresult.Result) error {
	if err := local.Sort(); err != nil {
		return fmt.Errorf("sort local: %w", err)
	}
	for _, r := range remotes {
		if err := r.Sort(); err != nil {
			return fmt.Errorf("sort remote %s: %w", r.Address, err)
		}
	}
	return nil
}

func (rec *Reconciler) diff(rc *routing.Context, local *iterresult.Result, remotes []*iterresult.Result, sink *stats.Sink) ([]*iterresult.Result, error) {
	var diffs []*iterresult.Result
	var total int
	for _, remote := range remotes {
		var result *iterresult.Result
		var err error
		if local.Length() == 0 {
			rc.Log.Infow("local container is empty, recovering full range", "range", local.IDRange)
			result = remote
		} else {
			result, err = local.Diff(remote, rc.TmpDir)
			if err != nil {
				rc.Log.Errorw("diff failed", "address", remote.Address, "error", err)
				continue
			}
		}

		if result.Length() > 0 {
			diffs = append(diffs, result)
			total += result.Length()
			sink.Counter("diffs", int64(result.Length()))
		} else if result != remote {
			result.Close()
		}
	}
	rc.Log.Infow("found differences with remote nodes", "count", total)
	return diffs, nil
}

func inGroups(groups []uint32, groupID uint32) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if g == groupID {
			return true
		}
	}
	return false
}

func closeAll(results []*iterresult.Result) {
	for _, r := range results {
		r.Close()
	}
}
